package clock

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Position is a comparable point in a root's change history. Two positions
// are only comparable when they share the same root number; a root number
// changes whenever the watch is recreated from scratch.
type Position struct {
	RootNumber uint32
	Ticks      uint64
}

var ErrBadClockString = errors.New("malformed clock string")

// String renders the canonical wire form, e.g. "c:4:1023".
func (p Position) String() string {
	return fmt.Sprintf("c:%d:%d", p.RootNumber, p.Ticks)
}

// Parse decodes a canonical clock string back into a Position.
func Parse(value string) (Position, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) != 3 || parts[0] != "c" {
		return Position{}, ErrBadClockString
	}
	rootNumber, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return Position{}, ErrBadClockString
	}
	ticks, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return Position{}, ErrBadClockString
	}
	return Position{RootNumber: uint32(rootNumber), Ticks: ticks}, nil
}

// Spec is a since-cursor: either unset (first run, full scan) or anchored
// at a concrete position.
type Spec struct {
	set      bool
	position Position
}

// Unset returns the initial, empty since-cursor.
func Unset() Spec {
	return Spec{}
}

// Since returns a since-cursor anchored at position.
func Since(position Position) Spec {
	return Spec{set: true, position: position}
}

// ParseSpec decodes a clock string into a since-cursor. An empty string
// yields the unset cursor.
func ParseSpec(value string) (Spec, error) {
	if strings.TrimSpace(value) == "" {
		return Unset(), nil
	}
	position, err := Parse(value)
	if err != nil {
		return Spec{}, err
	}
	return Since(position), nil
}

// Position reports the anchor position and whether the cursor is set.
func (s Spec) Position() (Position, bool) {
	return s.position, s.set
}

// IsSet reports whether the cursor holds a concrete position.
func (s Spec) IsSet() bool {
	return s.set
}
