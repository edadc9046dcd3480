package watcher

import (
	"os"
	"path/filepath"
	"sort"

	"vigil/internal/query"
)

// vcsMarkers are paths whose presence indicates an in-progress
// version-control operation on the root.
var vcsMarkers = []string{
	filepath.Join(".git", "rebase-merge"),
	filepath.Join(".git", "rebase-apply"),
	filepath.Join(".git", "MERGE_HEAD"),
	filepath.Join(".git", "CHERRY_PICK_HEAD"),
	filepath.Join(".hg", "wlock"),
}

// IsVCSOperationInProgress checks the marker paths directly; the .git
// directory itself is excluded from the index and the watch set.
func (v *View) IsVCSOperationInProgress() bool {
	if v == nil {
		return false
	}
	for _, marker := range vcsMarkers {
		if _, err := os.Stat(filepath.Join(v.path, marker)); err == nil {
			return true
		}
	}
	return false
}

func sortFiles(files []query.File) {
	sort.Slice(files, func(i, j int) bool {
		return files[i].Name < files[j].Name
	})
}
