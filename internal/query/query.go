// Package query defines the query template a subscription owns and the
// result contract the view engine fulfils. Matching is deliberately small:
// path prefixes and name suffixes. The template is shared and treated as
// immutable after parse; only the engine replaces the since-cursor.
package query

import (
	"path/filepath"
	"strings"
	"time"

	"vigil/internal/clock"
)

// Query is the parsed template for one subscription.
type Query struct {
	// Since is the cursor results are evaluated relative to. It is owned
	// and replaced by the subscription engine after each evaluation.
	Since clock.Spec

	// Suffixes restricts matches to file names with one of these
	// extensions (without the dot). Empty means no restriction.
	Suffixes []string

	// Prefixes restricts matches to paths under one of these relative
	// prefixes. Empty means no restriction.
	Prefixes []string
}

// File is one matched record in a result set.
type File struct {
	Name    string    `json:"name"`
	Exists  bool      `json:"exists"`
	New     bool      `json:"new"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mtime"`
}

// Result is what the view engine returns for one invocation.
type Result struct {
	// ClockAtStart is the position observed when the query began. It
	// becomes the subscription's next since-cursor.
	ClockAtStart clock.Position

	// IsFreshInstance is true when the query ran without a usable
	// since-cursor and the records are a full scan, not a diff.
	IsFreshInstance bool

	Files []File
}

// Matches reports whether a relative path satisfies the template.
func (q *Query) Matches(name string) bool {
	if q == nil {
		return true
	}
	if len(q.Prefixes) > 0 && !matchesPrefix(name, q.Prefixes) {
		return false
	}
	if len(q.Suffixes) > 0 && !matchesSuffix(name, q.Suffixes) {
		return false
	}
	return true
}

func matchesPrefix(name string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if prefix == "" {
			continue
		}
		if name == prefix || strings.HasPrefix(name, prefix+string(filepath.Separator)) || strings.HasPrefix(name, prefix+"/") {
			return true
		}
	}
	return false
}

func matchesSuffix(name string, suffixes []string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	for _, suffix := range suffixes {
		if ext == strings.ToLower(suffix) {
			return true
		}
	}
	return false
}
