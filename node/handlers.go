package node

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"docmesh/datamodel/document"
	"docmesh/protocol"
)

func (n *Node) registerHandlers() {
	n.server.RegisterHandler(protocol.MsgSyncRequest, n.handleSyncRequest)
	n.server.RegisterHandler(protocol.MsgSyncData, n.handleSyncData)
}

// handleSyncRequest answers a manifest exchange (no DocID) with SYNC_ACK carrying
// our manifest, or a document fetch (DocID set) with SYNC_DATA.
func (n *Node) handleSyncRequest(ctx context.Context, msg *protocol.Message, sessionID string) {
	var req protocol.SyncRequest
	if err := msg.DecodePayload(&req); err != nil {
		n.respondError(msg, sessionID, protocol.ErrCodeBadRequest, "malformed sync request")
		return
	}

	if req.DocID == nil {
		manifest, err := n.store.GetManifest()
		if err != nil {
			log.Errorf("node: failed to read manifest for %s: %v", sessionID, err)
			n.respondError(msg, sessionID, protocol.ErrCodeStore, "manifest unavailable")
			return
		}

		log.Infof("node: manifest exchange with %s: %d local documents, %d announced", msg.Source.NodeID.String(), len(manifest), len(req.Manifest))
		if err := n.server.Respond(sessionID, msg, protocol.MsgSyncAck, &protocol.SyncAck{Manifest: manifest}); err != nil {
			log.Errorf("node: manifest reply to %s failed: %v", sessionID, err)
		}
		return
	}

	doc, err := n.store.GetDocument(req.DocID)
	if err != nil {
		if errors.Is(err, document.ErrNotFound) {
			n.respondError(msg, sessionID, protocol.ErrCodeNotFound, "unknown document "+req.DocID.String())
		} else {
			log.Errorf("node: failed to load %s for %s: %v", req.DocID.String(), sessionID, err)
			n.respondError(msg, sessionID, protocol.ErrCodeStore, "document unavailable")
		}
		return
	}

	if err := n.server.Respond(sessionID, msg, protocol.MsgSyncData, &protocol.SyncData{Document: doc}); err != nil {
		log.Errorf("node: document reply to %s failed: %v", sessionID, err)
	}
}

// handleSyncData accepts a pushed document, resolves it against local state and
// acknowledges.
func (n *Node) handleSyncData(ctx context.Context, msg *protocol.Message, sessionID string) {
	var data protocol.SyncData
	if err := msg.DecodePayload(&data); err != nil || data.Document == nil {
		n.respondError(msg, sessionID, protocol.ErrCodeBadRequest, "malformed sync data")
		return
	}

	if err := n.engine.Apply(data.Document); err != nil {
		log.Errorf("node: failed to apply document %s from %s: %v", data.Document.ID.String(), msg.Source.NodeID.String(), err)
		n.respondError(msg, sessionID, protocol.ErrCodeStore, "failed to store document")
		return
	}

	ack := &protocol.SyncAck{Accepted: true, DocID: &data.Document.ID}
	if err := n.server.Respond(sessionID, msg, protocol.MsgSyncAck, ack); err != nil {
		log.Errorf("node: ack to %s failed: %v", sessionID, err)
	}
}

func (n *Node) respondError(msg *protocol.Message, sessionID string, code string, reason string) {
	if err := n.server.Respond(sessionID, msg, protocol.MsgError, &protocol.ErrorInfo{Code: code, Reason: reason}); err != nil {
		log.Errorf("node: error reply to %s failed: %v", sessionID, err)
	}
}
