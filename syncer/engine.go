package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"docmesh/datamodel/document"
	"docmesh/oid"
	"docmesh/protocol"
)

// PeerConn is the slice of the transport client the engine drives. Satisfied by
// *transport.Client; tests substitute an in-process implementation.
type PeerConn interface {
	Send(ctx context.Context, msg *protocol.Message, waitForResponse bool) (*protocol.Message, error)
	Close() error
}

// DialFunc opens an authenticated connection to a peer's sync address.
type DialFunc func(ctx context.Context, addr string) (PeerConn, error)

// Engine exchanges manifests with peers, computes sync plans and applies the
// configured conflict strategy to everything it pulls or receives.
type Engine struct {
	store    document.Store
	strategy Strategy
	dial     DialFunc
}

func New(store document.Store, strategy Strategy, dial DialFunc) *Engine {
	return &Engine{
		store:    store,
		strategy: strategy,
		dial:     dial,
	}
}

// SyncWith runs one full sync session against a peer: manifest exchange,
// plan computation and plan execution over a single connection.
func (e *Engine) SyncWith(ctx context.Context, peerAddr string) error {
	conn, err := e.dial(ctx, peerAddr)
	if err != nil {
		return err
	}
	defer conn.Close()

	local, err := e.store.GetManifest()
	if err != nil {
		return fmt.Errorf("syncer: failed to read local manifest: %w", err)
	}

	req, err := protocol.New(protocol.MsgSyncRequest, &protocol.SyncRequest{Manifest: local})
	if err != nil {
		return err
	}

	reply, err := conn.Send(ctx, req, true)
	if err != nil {
		return fmt.Errorf("syncer: manifest exchange with %s failed: %w", peerAddr, err)
	}
	if reply.Type != protocol.MsgSyncAck {
		return fmt.Errorf("syncer: expected SYNC_ACK from %s, got %s", peerAddr, reply.Type)
	}

	var ack protocol.SyncAck
	if err := reply.DecodePayload(&ack); err != nil {
		return fmt.Errorf("syncer: malformed manifest reply from %s: %w", peerAddr, err)
	}

	plan := BuildPlan(local, ack.Manifest)
	if plan.Empty() {
		log.Debugf("syncer: in sync with %s, nothing to exchange", peerAddr)
		return nil
	}

	log.Infof("syncer: plan for %s: %d to upload, %d to download", peerAddr, len(plan.Uploads), len(plan.Downloads))
	return e.execute(ctx, conn, plan)
}

// ExecutePlan runs an already-computed plan against a peer on a fresh connection.
func (e *Engine) ExecutePlan(ctx context.Context, peerAddr string, plan *Plan) error {
	if plan.Empty() {
		return nil
	}

	conn, err := e.dial(ctx, peerAddr)
	if err != nil {
		return err
	}
	defer conn.Close()

	return e.execute(ctx, conn, plan)
}

func (e *Engine) execute(ctx context.Context, conn PeerConn, plan *Plan) error {
	var errs []error

	for _, ref := range plan.Downloads {
		if err := e.download(ctx, conn, &ref.DocID); err != nil {
			errs = append(errs, fmt.Errorf("download %s: %w", ref.DocID.String(), err))
		}
	}

	for _, ref := range plan.Uploads {
		if err := e.upload(ctx, conn, &ref.DocID); err != nil {
			errs = append(errs, fmt.Errorf("upload %s: %w", ref.DocID.String(), err))
		}
	}

	return errors.Join(errs...)
}

func (e *Engine) download(ctx context.Context, conn PeerConn, docID *oid.Oid) error {
	req, err := protocol.New(protocol.MsgSyncRequest, &protocol.SyncRequest{DocID: docID})
	if err != nil {
		return err
	}

	reply, err := conn.Send(ctx, req, true)
	if err != nil {
		return err
	}
	if reply.Type != protocol.MsgSyncData {
		return fmt.Errorf("expected SYNC_DATA, got %s", reply.Type)
	}

	var data protocol.SyncData
	if err := reply.DecodePayload(&data); err != nil {
		return err
	}
	if data.Document == nil {
		return errors.New("peer sent an empty document")
	}

	return e.Apply(data.Document)
}

func (e *Engine) upload(ctx context.Context, conn PeerConn, docID *oid.Oid) error {
	doc, err := e.store.GetDocument(docID)
	if err != nil {
		return err
	}

	push, err := protocol.New(protocol.MsgSyncData, &protocol.SyncData{Document: doc})
	if err != nil {
		return err
	}

	reply, err := conn.Send(ctx, push, true)
	if err != nil {
		return err
	}
	if reply.Type != protocol.MsgSyncAck {
		return fmt.Errorf("expected SYNC_ACK, got %s", reply.Type)
	}

	var ack protocol.SyncAck
	if err := reply.DecodePayload(&ack); err != nil {
		return err
	}
	if !ack.Accepted {
		return errors.New("peer rejected the document")
	}
	return nil
}

// Apply merges one remote revision into the store using the configured conflict
// strategy. Applying the same revision against an unchanged store is a no-op:
// the resolved document is only written when it differs from the stored one.
func (e *Engine) Apply(remote *document.Document) error {
	local, err := e.store.GetDocument(&remote.ID)
	if err != nil {
		if !errors.Is(err, document.ErrNotFound) {
			return err
		}
		local = nil
	}

	resolved, err := Resolve(local, remote, e.strategy, time.Now())
	if err != nil {
		return err
	}

	if local != nil && document.IsEqual(local, resolved) {
		log.Debugf("syncer: document %s unchanged after resolution", remote.ID.String())
		return nil
	}

	if IsConflict(local, remote) {
		log.Warnf("syncer: conflict on %s resolved via %s", remote.ID.String(), e.strategy)
	}

	return e.store.SaveDocument(resolved)
}
