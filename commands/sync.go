package commands

import (
	"context"

	log "github.com/sirupsen/logrus"

	"docmesh/config"
	"docmesh/datastore/docstore"
	"docmesh/net/transport"
	"docmesh/protocol"
	"docmesh/syncer"
)

// RunSync performs a one-shot sync session against a specific peer address,
// bypassing discovery.
func RunSync(ctx context.Context, cfg *config.Config, peerAddr string) {
	store, err := docstore.Open(cfg.DataStore.IndexPath, cfg.DataStore.ContentPath)
	if err != nil {
		log.Fatalf("Failed to open document store: %v", err)
	}
	defer store.Close()

	strategy, err := syncer.ParseStrategy(cfg.Sync.ConflictStrategy)
	if err != nil {
		log.Fatalf("Invalid conflict strategy: %v", err)
	}

	validator := protocol.NewValidator([]byte(cfg.Security.SharedSecret), cfg.Security.MessageTTL.Duration)
	identity := protocol.Identity{NodeID: *cfg.Node.NodeID, Name: cfg.Node.Name}

	dial := func(ctx context.Context, addr string) (syncer.PeerConn, error) {
		client, err := transport.Dial(addr, transport.ClientConfig{
			Identity:       identity,
			Key:            []byte(cfg.Security.SharedSecret),
			DialTimeout:    cfg.Sync.RequestTimeout.Duration,
			RequestTimeout: cfg.Sync.RequestTimeout.Duration,
			AuthToken:      cfg.Security.AuthToken,
		}, validator)
		if err != nil {
			return nil, err
		}
		if err := client.WaitAuthenticated(ctx); err != nil {
			client.Close()
			return nil, err
		}
		return client, nil
	}

	engine := syncer.New(store, strategy, dial)
	if err := engine.SyncWith(ctx, peerAddr); err != nil {
		log.Fatalf("Sync with %s failed: %v", peerAddr, err)
	}

	log.Infof("Sync with %s complete", peerAddr)
}
