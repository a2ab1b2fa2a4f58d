package syncer

import (
	"testing"

	"docmesh/datamodel/document"
	"docmesh/oid"
)

func docID(t *testing.T, name string) oid.Oid {
	t.Helper()
	id, err := oid.FromName(oid.OidTypeDocument, name)
	if err != nil {
		t.Fatalf("Failed to derive document OID for %q: %v", name, err)
	}
	return *id
}

func refsByID(refs []document.VersionRef) map[string]document.VersionRef {
	out := make(map[string]document.VersionRef, len(refs))
	for _, ref := range refs {
		out[ref.DocID.String()] = ref
	}
	return out
}

func TestBuildPlanDiff(t *testing.T) {
	idA := docID(t, "a.txt")
	idB := docID(t, "b.txt")
	idC := docID(t, "c.txt")

	local := document.Manifest{
		{DocID: idA, Version: 1},
		{DocID: idB, Version: 2},
	}
	remote := document.Manifest{
		{DocID: idB, Version: 3},
		{DocID: idC, Version: 1},
	}

	plan := BuildPlan(local, remote)

	uploads := refsByID(plan.Uploads)
	if len(uploads) != 1 {
		t.Fatalf("Expected 1 upload, got %d", len(plan.Uploads))
	}
	if ref, ok := uploads[idA.String()]; !ok || ref.Version != 1 {
		t.Error("Local-only document not scheduled for upload")
	}

	downloads := refsByID(plan.Downloads)
	if len(downloads) != 2 {
		t.Fatalf("Expected 2 downloads, got %d", len(plan.Downloads))
	}
	if ref, ok := downloads[idB.String()]; !ok || ref.Version != 3 {
		t.Error("Remotely newer document not scheduled for download")
	}
	if ref, ok := downloads[idC.String()]; !ok || ref.Version != 1 {
		t.Error("Remote-only document not scheduled for download")
	}
}

func TestBuildPlanEqualManifests(t *testing.T) {
	idA := docID(t, "a.txt")
	hash := document.HashContent([]byte("same content"))

	local := document.Manifest{{DocID: idA, Version: 2, Hash: hash}}
	remote := document.Manifest{{DocID: idA, Version: 2, Hash: hash}}

	if plan := BuildPlan(local, remote); !plan.Empty() {
		t.Errorf("Identical manifests produced a non-empty plan: %d uploads, %d downloads",
			len(plan.Uploads), len(plan.Downloads))
	}
}

func TestBuildPlanEqualVersionDivergentHash(t *testing.T) {
	idA := docID(t, "a.txt")

	local := document.Manifest{{DocID: idA, Version: 2, Hash: document.HashContent([]byte("ours"))}}
	remote := document.Manifest{{DocID: idA, Version: 2, Hash: document.HashContent([]byte("theirs"))}}

	plan := BuildPlan(local, remote)
	if len(plan.Uploads) != 0 {
		t.Errorf("Divergent equal versions must not upload, got %d uploads", len(plan.Uploads))
	}
	if len(plan.Downloads) != 1 {
		t.Fatalf("Expected the divergent revision to be downloaded, got %d downloads", len(plan.Downloads))
	}
	if !plan.Downloads[0].DocID.Equal(&idA) {
		t.Error("Wrong document scheduled for the deep check")
	}
}

func TestBuildPlanEqualVersionWithoutHashes(t *testing.T) {
	idA := docID(t, "a.txt")

	// Without announced hashes there is no divergence signal, so nothing moves.
	local := document.Manifest{{DocID: idA, Version: 2}}
	remote := document.Manifest{{DocID: idA, Version: 2}}

	if plan := BuildPlan(local, remote); !plan.Empty() {
		t.Error("Equal versions without hashes produced a non-empty plan")
	}
}
