// Package discovery announces this node's presence over UDP multicast and
// maintains a registry of peers heard on the same group. It is independent of
// the TCP transport: it only feeds peer addresses to whoever registers a callback.
package discovery

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/sync/errgroup"

	log "github.com/sirupsen/logrus"

	"docmesh/helper/timer"
	"docmesh/oid"
)

// Announcement is the single-frame CBOR datagram broadcast to the multicast group.
type Announcement struct {
	NodeID       oid.Oid  `cbor:"1,keyasint,omitempty"`
	Name         string   `cbor:"2,keyasint,omitempty"`
	SyncPort     int      `cbor:"3,keyasint,omitempty"`
	Capabilities []string `cbor:"4,keyasint,omitempty"`
}

type Config struct {
	NodeID       oid.Oid
	Name         string
	SyncPort     int
	Capabilities []string

	// GroupAddress is the multicast group and port, e.g. "239.77.77.77:7700".
	GroupAddress     string
	AnnounceInterval time.Duration

	// StaleAfter is the registry staleness threshold. Zero defaults to
	// three announce intervals.
	StaleAfter time.Duration
}

// Service runs the announce and listen loops. Start and Stop are idempotent
// and symmetric.
type Service struct {
	cfg      Config
	registry *Registry

	rc      *net.UDPConn
	wc      *net.UDPConn
	cancel  context.CancelFunc
	wg      *errgroup.Group
	running bool
}

func New(cfg Config) *Service {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 3 * cfg.AnnounceInterval
	}
	return &Service{
		cfg:      cfg,
		registry: NewRegistry(),
	}
}

func (s *Service) Registry() *Registry {
	return s.registry
}

// AddCallback registers fn on the underlying registry.
func (s *Service) AddCallback(fn Callback) {
	s.registry.AddCallback(fn)
}

// Start binds the multicast sockets and launches the announce, listen and prune
// loops. Calling Start on a running service is a no-op.
func (s *Service) Start(ctx context.Context) error {
	if s.running {
		return nil
	}

	groupAddr, err := net.ResolveUDPAddr("udp4", s.cfg.GroupAddress)
	if err != nil {
		return err
	}

	rc, err := net.ListenMulticastUDP("udp4", nil, groupAddr)
	if err != nil {
		return err
	}

	wc, err := net.DialUDP("udp4", nil, groupAddr)
	if err != nil {
		rc.Close()
		return err
	}

	s.rc = rc
	s.wc = wc

	cctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg, cctx = errgroup.WithContext(cctx)

	s.wg.Go(func() error {
		return s.listen(cctx)
	})

	s.wg.Go(func() error {
		interval := &timer.Interval{
			Duration: s.cfg.AnnounceInterval,
			Jitter:   s.cfg.AnnounceInterval / 10,
		}
		return timer.RunWithTicker(cctx, interval, s.announce)
	})

	s.wg.Go(func() error {
		interval := &timer.Interval{Duration: s.cfg.AnnounceInterval}
		return timer.RunWithTicker(cctx, interval, func(context.Context) error {
			s.registry.Prune(s.cfg.StaleAfter)
			return nil
		})
	})

	s.running = true
	log.Infof("discovery: announcing %s on %s every %v", s.cfg.NodeID.String(), s.cfg.GroupAddress, s.cfg.AnnounceInterval)
	return nil
}

// Stop cancels the loops and releases the sockets. Calling Stop on a stopped
// service is a no-op.
func (s *Service) Stop() {
	if !s.running {
		return
	}
	s.running = false

	s.cancel()
	// Closing the read socket unblocks the listen loop.
	s.rc.Close()
	s.wc.Close()
	s.wg.Wait()
}

// Run starts the service and blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return ctx.Err()
}

func (s *Service) announce(context.Context) error {
	msg := &Announcement{
		NodeID:       s.cfg.NodeID,
		Name:         s.cfg.Name,
		SyncPort:     s.cfg.SyncPort,
		Capabilities: s.cfg.Capabilities,
	}

	raw, err := cbor.Marshal(msg)
	if err != nil {
		return err
	}

	if _, err := s.wc.Write(raw); err != nil {
		// Transient send failures (interface flaps etc.) should not kill the loop.
		log.Errorf("discovery: failed to send announcement: %v", err)
	}
	return nil
}

func (s *Service) listen(ctx context.Context) error {
	buf := make([]byte, 2048)
	s.rc.SetReadBuffer(2048)

	for {
		n, src, err := s.rc.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			log.Errorf("discovery: failed to read announcement: %v", err)
			continue
		}

		var msg Announcement
		if err := cbor.Unmarshal(buf[:n], &msg); err != nil {
			log.Warnf("discovery: malformed announcement from %s: %v", src, err)
			continue
		}

		// Our own announcements also arrive on the group.
		if msg.NodeID.Equal(&s.cfg.NodeID) {
			continue
		}

		s.registry.Upsert(&PeerRecord{
			NodeID:       msg.NodeID,
			Name:         msg.Name,
			Addr:         net.JoinHostPort(src.IP.String(), strconv.Itoa(msg.SyncPort)),
			Capabilities: msg.Capabilities,
		})
	}
}
