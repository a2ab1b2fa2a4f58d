package commands

import (
	"context"

	log "github.com/sirupsen/logrus"

	"docmesh/config"
	"docmesh/datastore/docstore"
)

// RunInfo dumps the local document index.
func RunInfo(ctx context.Context, cfg *config.Config) {
	store, err := docstore.Open(cfg.DataStore.IndexPath, cfg.DataStore.ContentPath)
	if err != nil {
		log.Fatalf("Failed to open document store: %v", err)
	}
	defer store.Close()

	manifest, err := store.GetManifest()
	if err != nil {
		log.Fatalf("Failed to read manifest: %v", err)
	}

	log.Infof("Node: %s (%s)", cfg.Node.Name, cfg.Node.NodeID.String())
	log.Infof("Document index: %d documents known", len(manifest))

	for _, ref := range manifest {
		doc, err := store.GetDocument(&ref.DocID)
		if err != nil {
			log.Errorf("Failed to load document %s: %v", ref.DocID.String(), err)
			continue
		}
		log.Infof("Document: %s, version: %d, size: %d, updated: %v, conflicts: %d",
			doc.ID.String(), doc.Version, doc.Size, doc.UpdatedAt, len(doc.Conflicts))
	}
}
