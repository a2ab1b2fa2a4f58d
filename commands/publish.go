package commands

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"docmesh/config"
	"docmesh/datamodel/document"
	"docmesh/datastore/docstore"
	"docmesh/oid"
)

// RunPublish imports a local file into the document store as a new document or
// a new version of an existing one. The document ID is derived from the name,
// so republishing the same name bumps the version.
func RunPublish(ctx context.Context, cfg *config.Config, filePath string, name string) {
	if name == "" {
		name = filepath.Base(filePath)
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		log.Fatalf("Failed to read %s: %v", filePath, err)
	}

	store, err := docstore.Open(cfg.DataStore.IndexPath, cfg.DataStore.ContentPath)
	if err != nil {
		log.Fatalf("Failed to open document store: %v", err)
	}
	defer store.Close()

	docID, err := oid.FromName(oid.OidTypeDocument, name)
	if err != nil {
		log.Fatalf("Failed to derive document ID: %v", err)
	}

	now := time.Now().UTC()
	doc := &document.Document{
		ID:        *docID,
		Version:   1,
		Hash:      document.HashContent(data),
		Size:      uint64(len(data)),
		Content:   data,
		CreatedBy: *cfg.Node.NodeID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	existing, err := store.GetDocument(docID)
	if err != nil && !errors.Is(err, document.ErrNotFound) {
		log.Fatalf("Failed to look up document: %v", err)
	}
	if existing != nil {
		doc.Version = existing.Version + 1
		doc.CreatedAt = existing.CreatedAt
		doc.Conflicts = existing.Conflicts
	}

	if err := store.SaveDocument(doc); err != nil {
		log.Fatalf("Failed to save document: %v", err)
	}

	log.Infof("Published %q as %s, version %d (%d bytes)", name, docID.String(), doc.Version, doc.Size)
}
