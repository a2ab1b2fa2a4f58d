package syncer

import (
	"bytes"
	"fmt"
	"time"

	"docmesh/datamodel/document"
)

// Strategy selects how divergent concurrent edits are reconciled.
type Strategy string

const (
	// LastWriteWins replaces the older revision with the one updated later.
	// The losing side's content is superseded, nothing else is lost.
	LastWriteWins Strategy = "last-write-wins"

	// MergeWithConflict keeps the local content as the record of truth and
	// appends the remote revision to the document's conflict list for manual
	// reconciliation. No data is discarded.
	MergeWithConflict Strategy = "merge-with-conflict"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case LastWriteWins, MergeWithConflict:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("syncer: unknown conflict strategy %q", s)
	}
}

// IsConflict reports whether local and remote are a true conflict: the same
// document with divergent content despite equal version numbers. Detection
// leans on updated_at timestamps rather than a vector clock or hash chain, so
// it is a heuristic: without a recorded ancestor lineage, matching versions
// with different hashes is the strongest divergence signal available.
func IsConflict(local *document.Document, remote *document.Document) bool {
	if local == nil || remote == nil {
		return false
	}
	return local.Version == remote.Version && !bytes.Equal(local.Hash, remote.Hash)
}

// Resolve merges a remote revision into the local state according to the
// strategy. A nil local means the document is new here and the remote revision
// is taken as-is. Resolution is idempotent: resolving the same pair twice
// yields the same result, and conflict entries are deduplicated by hash.
func Resolve(local *document.Document, remote *document.Document, strategy Strategy, now time.Time) (*document.Document, error) {
	if remote == nil {
		return nil, fmt.Errorf("syncer: cannot resolve a nil remote document")
	}
	if local == nil {
		return remote.Clone(), nil
	}
	if !local.ID.Equal(&remote.ID) {
		return nil, fmt.Errorf("syncer: document ID mismatch: %s != %s", local.ID.String(), remote.ID.String())
	}

	// No divergence: the strictly newer version wins outright.
	if !IsConflict(local, remote) {
		if remote.Version > local.Version {
			return remote.Clone(), nil
		}
		return local.Clone(), nil
	}

	switch strategy {
	case LastWriteWins:
		if remote.UpdatedAt.After(local.UpdatedAt) {
			return remote.Clone(), nil
		}
		return local.Clone(), nil

	case MergeWithConflict:
		out := local.Clone()
		for _, c := range out.Conflicts {
			if bytes.Equal(c.Hash, remote.Hash) {
				// Already recorded, re-running the same resolution is a no-op.
				return out, nil
			}
		}
		out.Conflicts = append(out.Conflicts, document.Conflict{
			Content:    append([]byte(nil), remote.Content...),
			Hash:       append([]byte(nil), remote.Hash...),
			Version:    remote.Version,
			SourceNode: remote.CreatedBy,
			UpdatedAt:  remote.UpdatedAt,
			RecordedAt: now,
		})
		return out, nil

	default:
		return nil, fmt.Errorf("syncer: unknown conflict strategy %q", strategy)
	}
}
