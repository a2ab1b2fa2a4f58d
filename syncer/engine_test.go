package syncer

import (
	"bytes"
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"docmesh/datamodel/document"
	"docmesh/oid"
	"docmesh/protocol"
)

// memStore is an in-memory document.Store for engine tests.
type memStore struct {
	mu   sync.Mutex
	docs map[oid.Oid]*document.Document
}

func newMemStore() *memStore {
	return &memStore{docs: make(map[oid.Oid]*document.Document)}
}

func (s *memStore) GetManifest() (document.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	manifest := make(document.Manifest, 0, len(s.docs))
	for _, doc := range s.docs {
		manifest = append(manifest, doc.Ref())
	}
	manifest.Sort()
	return manifest, nil
}

func (s *memStore) GetDocument(id *oid.Oid) (*document.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[*id]
	if !ok {
		return nil, document.ErrNotFound
	}
	return doc.Clone(), nil
}

func (s *memStore) SaveDocument(doc *document.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.ID] = doc.Clone()
	return nil
}

func (s *memStore) Close() error {
	return nil
}

// fakePeer answers sync messages against a second engine without a network.
type fakePeer struct {
	store  document.Store
	engine *Engine
}

func (p *fakePeer) Send(ctx context.Context, msg *protocol.Message, waitForResponse bool) (*protocol.Message, error) {
	switch msg.Type {
	case protocol.MsgSyncRequest:
		var req protocol.SyncRequest
		if err := msg.DecodePayload(&req); err != nil {
			return nil, err
		}
		if req.DocID == nil {
			manifest, err := p.store.GetManifest()
			if err != nil {
				return nil, err
			}
			return protocol.NewReply(msg, protocol.MsgSyncAck, &protocol.SyncAck{Manifest: manifest})
		}
		doc, err := p.store.GetDocument(req.DocID)
		if err != nil {
			return nil, err
		}
		return protocol.NewReply(msg, protocol.MsgSyncData, &protocol.SyncData{Document: doc})

	case protocol.MsgSyncData:
		var data protocol.SyncData
		if err := msg.DecodePayload(&data); err != nil {
			return nil, err
		}
		if err := p.engine.Apply(data.Document); err != nil {
			return nil, err
		}
		return protocol.NewReply(msg, protocol.MsgSyncAck, &protocol.SyncAck{Accepted: true, DocID: &data.Document.ID})

	default:
		return nil, fmt.Errorf("unexpected %s message", msg.Type)
	}
}

func (p *fakePeer) Close() error {
	return nil
}

func dialTo(peer PeerConn) DialFunc {
	return func(ctx context.Context, addr string) (PeerConn, error) {
		return peer, nil
	}
}

func TestSyncWithConverges(t *testing.T) {
	now := time.Now()
	storeA := newMemStore()
	storeB := newMemStore()

	// A holds a newer revision of x, B additionally holds y.
	if err := storeA.SaveDocument(makeDoc(t, "x.txt", 2, "x revision two", now)); err != nil {
		t.Fatalf("Failed to seed store A: %v", err)
	}
	if err := storeB.SaveDocument(makeDoc(t, "x.txt", 1, "x revision one", now.Add(-time.Hour))); err != nil {
		t.Fatalf("Failed to seed store B: %v", err)
	}
	if err := storeB.SaveDocument(makeDoc(t, "y.txt", 1, "y revision one", now)); err != nil {
		t.Fatalf("Failed to seed store B: %v", err)
	}

	engineB := New(storeB, LastWriteWins, nil)
	engineA := New(storeA, LastWriteWins, dialTo(&fakePeer{store: storeB, engine: engineB}))

	if err := engineA.SyncWith(context.Background(), "peer-b"); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	xID := docID(t, "x.txt")
	yID := docID(t, "y.txt")

	gotX, err := storeB.GetDocument(&xID)
	if err != nil {
		t.Fatalf("Store B is missing x after sync: %v", err)
	}
	if gotX.Version != 2 || !bytes.Equal(gotX.Content, []byte("x revision two")) {
		t.Errorf("Store B did not take the newer x revision: version %d", gotX.Version)
	}

	gotY, err := storeA.GetDocument(&yID)
	if err != nil {
		t.Fatalf("Store A is missing y after sync: %v", err)
	}
	if !bytes.Equal(gotY.Content, []byte("y revision one")) {
		t.Error("Store A received the wrong y content")
	}

	manifestA, _ := storeA.GetManifest()
	manifestB, _ := storeB.GetManifest()
	if !reflect.DeepEqual(manifestA, manifestB) {
		t.Errorf("Manifests diverge after sync:\n  A: %v\n  B: %v", manifestA, manifestB)
	}

	// A second session against converged stores is a no-op.
	if err := engineA.SyncWith(context.Background(), "peer-b"); err != nil {
		t.Fatalf("Repeated sync failed: %v", err)
	}
	manifestA2, _ := storeA.GetManifest()
	if !reflect.DeepEqual(manifestA, manifestA2) {
		t.Error("Repeated sync changed a converged store")
	}
}

func TestApplyNewDocument(t *testing.T) {
	store := newMemStore()
	engine := New(store, LastWriteWins, nil)

	remote := makeDoc(t, "a.txt", 1, "fresh content", time.Now())
	if err := engine.Apply(remote); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	got, err := store.GetDocument(&remote.ID)
	if err != nil {
		t.Fatalf("Document missing after apply: %v", err)
	}
	if !bytes.Equal(got.Content, remote.Content) {
		t.Error("Stored content does not match the applied revision")
	}
}

func TestApplyMergeIsIdempotent(t *testing.T) {
	store := newMemStore()
	engine := New(store, MergeWithConflict, nil)

	now := time.Now()
	local := makeDoc(t, "a.txt", 2, "local content", now.Add(-time.Hour))
	remote := makeDoc(t, "a.txt", 2, "remote content", now)

	if err := store.SaveDocument(local); err != nil {
		t.Fatalf("Failed to seed store: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := engine.Apply(remote); err != nil {
			t.Fatalf("Apply %d failed: %v", i, err)
		}
	}

	got, err := store.GetDocument(&local.ID)
	if err != nil {
		t.Fatalf("Document missing after apply: %v", err)
	}
	if !bytes.Equal(got.Content, local.Content) {
		t.Error("Merge did not keep the local content")
	}
	if len(got.Conflicts) != 1 {
		t.Errorf("Expected exactly 1 recorded conflict, got %d", len(got.Conflicts))
	}
}

func TestApplyOlderRevisionIsNoOp(t *testing.T) {
	store := newMemStore()
	engine := New(store, LastWriteWins, nil)

	now := time.Now()
	local := makeDoc(t, "a.txt", 3, "current", now)
	stale := makeDoc(t, "a.txt", 1, "ancient", now.Add(-24*time.Hour))

	if err := store.SaveDocument(local); err != nil {
		t.Fatalf("Failed to seed store: %v", err)
	}
	if err := engine.Apply(stale); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	got, err := store.GetDocument(&local.ID)
	if err != nil {
		t.Fatalf("Document missing after apply: %v", err)
	}
	if got.Version != 3 || !bytes.Equal(got.Content, local.Content) {
		t.Error("Stale revision overwrote the current one")
	}
}
