// Package merge resolves divergent concurrent edits with a three-way text
// merge: the local delta against a common baseline is patched onto the
// server's current value. When patching fails the local version wins and the
// field is flagged, never errored.
package merge

import (
	"fmt"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const diffCleanupThreshold = 16

// Fields are the independently merged text fields of a note.
type Fields struct {
	Title   string
	Details string
}

// Resolution is the outcome of a three-way merge. Given identical inputs the
// resolver always produces the same resolution.
type Resolution struct {
	Title        string
	Details      string
	HasConflicts bool
	Notes        []string
}

// Fields returns the resolved values as a Fields value.
func (r Resolution) Fields() Fields {
	return Fields{Title: r.Title, Details: r.Details}
}

// Resolve merges local against server relative to their common baseline,
// field by field. Title and details are decided independently.
func Resolve(local, server, base Fields) Resolution {
	resolution := Resolution{}

	title, titleNote, titleConflict := resolveField("title", local.Title, server.Title, base.Title)
	details, detailsNote, detailsConflict := resolveField("details", local.Details, server.Details, base.Details)

	resolution.Title = title
	resolution.Details = details
	resolution.HasConflicts = titleConflict || detailsConflict
	if titleNote != "" {
		resolution.Notes = append(resolution.Notes, titleNote)
	}
	if detailsNote != "" {
		resolution.Notes = append(resolution.Notes, detailsNote)
	}
	return resolution
}

func resolveField(name, local, server, base string) (resolved, note string, conflicted bool) {
	switch {
	case local == server:
		// No divergence between the two sides.
		return local, "", false
	case server == base:
		// Only the local side moved.
		return local, "", false
	case local == base:
		// Only the server side moved.
		return server, fmt.Sprintf("%s: adopted server change", name), false
	}

	merged, clean := patchMerge(base, local, server)
	if clean {
		return merged, fmt.Sprintf("%s: merged local and server changes", name), false
	}

	// Inconclusive merge: last write wins, favoring local.
	return local, fmt.Sprintf("%s: merge failed, kept local version", name), true
}

// patchMerge computes patch(base -> local) and applies it onto the server
// value. The second return reports whether every hunk applied.
func patchMerge(base, local, server string) (string, bool) {
	dmp := diffmatchpatch.New()

	diffs := dmp.DiffMain(base, local, true)
	if len(diffs) > diffCleanupThreshold {
		diffs = dmp.DiffCleanupSemantic(diffs)
		diffs = dmp.DiffCleanupEfficiency(diffs)
	}

	patches := dmp.PatchMake(base, diffs)
	merged, applied := dmp.PatchApply(patches, server)
	for _, ok := range applied {
		if !ok {
			return "", false
		}
	}
	return merged, true
}
