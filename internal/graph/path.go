package graph

import (
	"strconv"
	"strings"
)

// Node paths are dotted identifiers addressing one execution of one node,
// e.g. "pipeline.retry[2].fetch" for the fetch step inside iteration 2 of
// the retry loop. They key StepResult entries in snapshots and act as resume
// continuation tokens, so the scheme must be stable across processes.

// ChildPath extends a parent path with a node ID.
func ChildPath(parent, id string) string {
	if parent == "" {
		return id
	}
	return parent + "." + id
}

// IterPath addresses one iteration of a loop or foreach body.
func IterPath(loopPath string, index int) string {
	return loopPath + "[" + strconv.Itoa(index) + "]"
}

// within reports whether path lies at or under root.
func within(path, root string) bool {
	if path == root {
		return true
	}
	if strings.HasPrefix(path, root) {
		rest := path[len(root):]
		return rest[0] == '.' || rest[0] == '['
	}
	return false
}
