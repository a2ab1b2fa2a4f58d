// Package node wires discovery, transport and the sync engine into one running
// docmesh peer.
package node

import (
	"context"
	"crypto/hmac"
	"net"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	log "github.com/sirupsen/logrus"

	"docmesh/config"
	"docmesh/datamodel/document"
	"docmesh/helper/timer"
	"docmesh/net/discovery"
	"docmesh/net/transport"
	"docmesh/protocol"
	"docmesh/syncer"
)

type Node struct {
	cfg      *config.Config
	identity protocol.Identity

	store     document.Store
	validator *protocol.Validator

	server *transport.Server
	disco  *discovery.Service
	engine *syncer.Engine

	runCtx context.Context
	sg     singleflight.Group
}

func New(cfg *config.Config, store document.Store, listener net.Listener) (*Node, error) {
	strategy, err := syncer.ParseStrategy(cfg.Sync.ConflictStrategy)
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg: cfg,
		identity: protocol.Identity{
			NodeID: *cfg.Node.NodeID,
			Name:   cfg.Node.Name,
		},
		store:     store,
		validator: protocol.NewValidator([]byte(cfg.Security.SharedSecret), cfg.Security.MessageTTL.Duration),
	}

	n.server = transport.NewServer(listener, transport.ServerConfig{
		Identity:    n.identity,
		Key:         []byte(cfg.Security.SharedSecret),
		RequireAuth: cfg.Security.RequireAuth,
		IdleTimeout: cfg.Sync.IdleTimeout.Duration,
	}, n.validator, n.authenticate)

	n.engine = syncer.New(store, strategy, n.dialPeer)

	n.disco = discovery.New(discovery.Config{
		NodeID:           *cfg.Node.NodeID,
		Name:             cfg.Node.Name,
		SyncPort:         cfg.Network.AdvertisedPort,
		Capabilities:     []string{"sync"},
		GroupAddress:     cfg.Network.DiscoveryGroup,
		AnnounceInterval: cfg.Network.AnnounceInterval.Duration,
	})
	n.disco.AddCallback(n.onPeer)

	n.registerHandlers()

	log.Infof("I am %s (%s), syncing on %s", cfg.Node.Name, cfg.Node.NodeID.String(), listener.Addr())

	return n, nil
}

// authenticate is the default auth middleware: a constant-time comparison of the
// presented token against the configured one.
func (n *Node) authenticate(msg *protocol.Message) (bool, string) {
	var req protocol.AuthRequest
	if err := msg.DecodePayload(&req); err != nil {
		log.Warnf("node: malformed auth request from %s: %v", msg.Source.NodeID.String(), err)
		return false, ""
	}

	if !hmac.Equal([]byte(req.Token), []byte(n.cfg.Security.AuthToken)) {
		return false, ""
	}
	return true, msg.Source.NodeID.String()
}

// dialPeer opens an authenticated transport connection for the sync engine.
func (n *Node) dialPeer(ctx context.Context, addr string) (syncer.PeerConn, error) {
	client, err := transport.Dial(addr, transport.ClientConfig{
		Identity:       n.identity,
		Key:            []byte(n.cfg.Security.SharedSecret),
		DialTimeout:    n.cfg.Sync.RequestTimeout.Duration,
		RequestTimeout: n.cfg.Sync.RequestTimeout.Duration,
		AuthToken:      n.cfg.Security.AuthToken,
		AutoReconnect:  n.cfg.Sync.AutoReconnect,
	}, n.validator)
	if err != nil {
		return nil, err
	}

	if err := client.WaitAuthenticated(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// onPeer kicks off a sync session whenever discovery reports a new-or-refreshed
// peer. Sessions are deduplicated per peer: announcements arriving while a sync
// with that peer is in flight join the running session instead of starting
// another one.
func (n *Node) onPeer(peer *discovery.PeerRecord) {
	ctx := n.runCtx
	if ctx == nil {
		return
	}

	go func() {
		_, err, _ := n.sg.Do(peer.NodeID.String(), func() (interface{}, error) {
			return nil, n.engine.SyncWith(ctx, peer.Addr)
		})
		if err != nil {
			log.Errorf("node: sync with %s (%s) failed: %v", peer.Name, peer.Addr, err)
		}
	}()
}

func (n *Node) Registry() *discovery.Registry {
	return n.disco.Registry()
}

// Run starts all component loops and blocks until the context is cancelled or
// one of them fails.
func (n *Node) Run(ctx context.Context) error {
	n.runCtx = ctx

	wg, cctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		return n.server.Serve(cctx)
	})

	wg.Go(func() error {
		return n.disco.Run(cctx)
	})

	wg.Go(func() error {
		interval := &timer.Interval{Duration: n.cfg.Security.MessageTTL.Duration}
		return timer.RunWithTicker(cctx, interval, n.validator.Sweep)
	})

	wg.Go(func() error {
		interval := &timer.Interval{Duration: n.cfg.Sync.IdleTimeout.Duration / 4}
		return timer.RunWithTicker(cctx, interval, n.server.SweepIdle)
	})

	return wg.Wait()
}
