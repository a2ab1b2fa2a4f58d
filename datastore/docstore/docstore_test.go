package docstore

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"docmesh/datamodel/document"
	"docmesh/oid"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "index"), filepath.Join(dir, "content"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testDoc(t *testing.T, name string, version uint64, content string) *document.Document {
	t.Helper()
	id, err := oid.FromName(oid.OidTypeDocument, name)
	if err != nil {
		t.Fatalf("Failed to derive document OID: %v", err)
	}
	data := []byte(content)
	now := time.Now().UTC().Truncate(time.Second)
	return &document.Document{
		ID:        *id,
		Version:   version,
		Content:   data,
		Hash:      document.HashContent(data),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestSaveAndGetRoundTrip(t *testing.T) {
	store := openStore(t)
	doc := testDoc(t, "notes.txt", 1, "hello docmesh")

	if err := store.SaveDocument(doc); err != nil {
		t.Fatalf("Failed to save document: %v", err)
	}

	got, err := store.GetDocument(&doc.ID)
	if err != nil {
		t.Fatalf("Failed to load document: %v", err)
	}
	if !bytes.Equal(got.Content, doc.Content) {
		t.Errorf("Content mismatch: %q != %q", got.Content, doc.Content)
	}
	if got.Version != 1 {
		t.Errorf("Version mismatch: %d", got.Version)
	}
	if !bytes.Equal(got.Hash, doc.Hash) {
		t.Error("Hash mismatch after round trip")
	}
	if got.StorageRef == "" {
		t.Error("Stored document has no content reference")
	}
	if got.Size != uint64(len(doc.Content)) {
		t.Errorf("Size mismatch: %d != %d", got.Size, len(doc.Content))
	}
}

func TestGetMissing(t *testing.T) {
	store := openStore(t)
	id, err := oid.FromName(oid.OidTypeDocument, "nowhere.txt")
	if err != nil {
		t.Fatalf("Failed to derive document OID: %v", err)
	}

	if _, err := store.GetDocument(id); !errors.Is(err, document.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestManifestOrdering(t *testing.T) {
	store := openStore(t)

	docs := []*document.Document{
		testDoc(t, "gamma.txt", 1, "gamma"),
		testDoc(t, "alpha.txt", 2, "alpha"),
		testDoc(t, "beta.txt", 3, "beta"),
	}
	for _, doc := range docs {
		if err := store.SaveDocument(doc); err != nil {
			t.Fatalf("Failed to save %s: %v", doc.ID.String(), err)
		}
	}

	manifest, err := store.GetManifest()
	if err != nil {
		t.Fatalf("Failed to read manifest: %v", err)
	}
	if len(manifest) != len(docs) {
		t.Fatalf("Expected %d manifest entries, got %d", len(docs), len(manifest))
	}
	for i := 1; i < len(manifest); i++ {
		if manifest[i-1].DocID.String() >= manifest[i].DocID.String() {
			t.Fatal("Manifest entries not ordered by document ID")
		}
	}

	byID := make(map[string]document.VersionRef)
	for _, ref := range manifest {
		byID[ref.DocID.String()] = ref
	}
	for _, doc := range docs {
		ref, ok := byID[doc.ID.String()]
		if !ok {
			t.Errorf("Document %s missing from manifest", doc.ID.String())
			continue
		}
		if ref.Version != doc.Version || !bytes.Equal(ref.Hash, doc.Hash) {
			t.Errorf("Manifest entry for %s does not match the stored document", doc.ID.String())
		}
	}
}

func TestUpdateReplacesRevision(t *testing.T) {
	store := openStore(t)

	v1 := testDoc(t, "notes.txt", 1, "first revision")
	if err := store.SaveDocument(v1); err != nil {
		t.Fatalf("Failed to save v1: %v", err)
	}

	v2 := testDoc(t, "notes.txt", 2, "second revision")
	if err := store.SaveDocument(v2); err != nil {
		t.Fatalf("Failed to save v2: %v", err)
	}

	got, err := store.GetDocument(&v1.ID)
	if err != nil {
		t.Fatalf("Failed to load document: %v", err)
	}
	if got.Version != 2 || !bytes.Equal(got.Content, v2.Content) {
		t.Errorf("Update did not replace the revision: version %d", got.Version)
	}

	manifest, err := store.GetManifest()
	if err != nil {
		t.Fatalf("Failed to read manifest: %v", err)
	}
	if len(manifest) != 1 || manifest[0].Version != 2 {
		t.Error("Manifest does not reflect the updated revision")
	}
}

func TestRepeatedSaveIsStable(t *testing.T) {
	store := openStore(t)
	doc := testDoc(t, "notes.txt", 1, "same bytes every time")

	for i := 0; i < 3; i++ {
		if err := store.SaveDocument(doc); err != nil {
			t.Fatalf("Save %d failed: %v", i, err)
		}
	}

	manifest, err := store.GetManifest()
	if err != nil {
		t.Fatalf("Failed to read manifest: %v", err)
	}
	if len(manifest) != 1 {
		t.Errorf("Repeated saves produced %d manifest entries", len(manifest))
	}
}
