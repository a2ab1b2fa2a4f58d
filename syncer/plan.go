// Package syncer computes what two nodes need to exchange to converge on the
// same document set, and resolves conflicting concurrent edits.
package syncer

import (
	"bytes"

	"docmesh/datamodel/document"
)

// Plan is the output of a manifest comparison for one sync session. It has no
// identity beyond the session that computed it.
type Plan struct {
	Uploads   []document.VersionRef // local is ahead or remote lacks the document
	Downloads []document.VersionRef // remote is ahead, local lacks it, or a deep check is needed
}

func (p *Plan) Empty() bool {
	return len(p.Uploads) == 0 && len(p.Downloads) == 0
}

// BuildPlan diffs two manifests. Documents only present locally are uploaded,
// documents only present remotely are downloaded, and for shared documents the
// higher version wins. Equal versions with differing announced hashes are
// true-conflict candidates: the remote revision is downloaded so the conflict
// strategy can resolve it against the local one.
func BuildPlan(local document.Manifest, remote document.Manifest) *Plan {
	localRefs := local.ToMap()
	remoteRefs := remote.ToMap()
	plan := &Plan{}

	for _, ref := range local {
		rref, ok := remoteRefs[ref.DocID]
		switch {
		case !ok:
			plan.Uploads = append(plan.Uploads, ref)
		case ref.Version > rref.Version:
			plan.Uploads = append(plan.Uploads, ref)
		case ref.Version < rref.Version:
			plan.Downloads = append(plan.Downloads, rref)
		case len(ref.Hash) > 0 && len(rref.Hash) > 0 && !bytes.Equal(ref.Hash, rref.Hash):
			// Equal version numbers do not guarantee equal content when two
			// nodes edited independently.
			plan.Downloads = append(plan.Downloads, rref)
		}
	}

	for _, rref := range remote {
		if _, ok := localRefs[rref.DocID]; !ok {
			plan.Downloads = append(plan.Downloads, rref)
		}
	}

	return plan
}
