package commands

import (
	"context"
	"net"

	log "github.com/sirupsen/logrus"

	"docmesh/config"
	"docmesh/datastore/docstore"
	"docmesh/node"
)

// RunServe runs the full node: TCP sync server, UDP discovery and the sync engine.
func RunServe(ctx context.Context, cfg *config.Config) {
	store, err := docstore.Open(cfg.DataStore.IndexPath, cfg.DataStore.ContentPath)
	if err != nil {
		log.Fatalf("Failed to open document store: %v", err)
	}
	defer store.Close()

	listener, err := net.Listen("tcp4", cfg.Network.SyncListenAddress)
	if err != nil {
		log.Fatalf("Failed to create sync listener: %v", err)
	}

	n, err := node.New(cfg, store, listener)
	if err != nil {
		log.Fatalf("Failed to create node: %v", err)
	}

	if err := n.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("Node stopped: %v", err)
	}
}
