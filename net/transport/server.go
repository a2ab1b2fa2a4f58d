package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"docmesh/protocol"
)

// AuthFunc is the pluggable authentication middleware. It receives the AUTH_REQUEST
// message and returns whether the credentials are acceptable plus opaque auth data
// stored on the session.
type AuthFunc func(msg *protocol.Message) (bool, string)

// Handler processes one validated (and, when required, authenticated) message.
// Handlers for a given connection run sequentially in frame order; handlers for
// different connections run concurrently.
type Handler func(ctx context.Context, msg *protocol.Message, sessionID string)

type ServerConfig struct {
	Identity    protocol.Identity
	Key         []byte
	RequireAuth bool
	IdleTimeout time.Duration
}

// Session is the per-connection state. It is owned by the server and never
// shared across connections.
type Session struct {
	id   string
	conn net.Conn

	mu            sync.Mutex // guards the fields below and serializes writes
	authenticated bool
	authData      string
	lastActivity  time.Time
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

func (s *Session) AuthData() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authData
}

func (s *Session) markAuthenticated(data string) {
	s.mu.Lock()
	s.authenticated = true
	s.authData = data
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// write frames and writes a message. Serialized per session so responses and
// server-initiated pushes never interleave on the socket.
func (s *Session) write(m *protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeMessage(s.conn, m)
}

// Server accepts TCP connections, deframes and validates messages and dispatches
// them to registered handlers. Each accepted connection runs in its own goroutine;
// frames within a connection are handled strictly in order.
type Server struct {
	cfg       ServerConfig
	listener  net.Listener
	validator *protocol.Validator
	auth      AuthFunc

	hmu      sync.RWMutex
	handlers map[protocol.MsgType]Handler

	mu       sync.Mutex
	sessions map[string]*Session
	nextID   uint64
}

func NewServer(listener net.Listener, cfg ServerConfig, validator *protocol.Validator, auth AuthFunc) *Server {
	return &Server{
		cfg:       cfg,
		listener:  listener,
		validator: validator,
		auth:      auth,
		handlers:  make(map[protocol.MsgType]Handler),
		sessions:  make(map[string]*Session),
	}
}

// RegisterHandler associates a message type with a handler. AUTH_REQUEST and
// HEARTBEAT are handled by the server core and cannot be overridden.
func (srv *Server) RegisterHandler(t protocol.MsgType, h Handler) {
	srv.hmu.Lock()
	srv.handlers[t] = h
	srv.hmu.Unlock()
}

func (srv *Server) Addr() net.Addr {
	return srv.listener.Addr()
}

// Serve accepts connections until the context is cancelled. Cancellation closes
// the listener, which unblocks the accept loop.
func (srv *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		log.Infof("transport.Server: context cancelled, closing listener %s", srv.listener.Addr())
		if err := srv.listener.Close(); err != nil {
			log.Warnf("transport.Server: error closing listener %s: %v", srv.listener.Addr(), err)
		}
	}()

	var tempDelay time.Duration // how long to sleep on accept failure
	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				log.Infof("transport.Server: shutting down listener %s", srv.listener.Addr())
				return ctx.Err()
			default:
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					if tempDelay == 0 {
						tempDelay = 5 * time.Millisecond
					} else {
						tempDelay *= 2
					}
					if max := 1 * time.Second; tempDelay > max {
						tempDelay = max
					}
					log.Warnf("transport.Server: accept error on %s: %v; retrying in %v", srv.listener.Addr(), err, tempDelay)
					time.Sleep(tempDelay)
					continue
				}
				log.Errorf("transport.Server: critical accept error on %s: %v", srv.listener.Addr(), err)
				return err
			}
		}

		tempDelay = 0
		log.Infof("transport.Server: accepted connection from %s", conn.RemoteAddr())
		go srv.serveConn(ctx, conn)
	}
}

func (srv *Server) addSession(conn net.Conn) *Session {
	srv.mu.Lock()
	srv.nextID++
	sess := &Session{
		id:           fmt.Sprintf("%s#%d", conn.RemoteAddr(), srv.nextID),
		conn:         conn,
		lastActivity: time.Now(),
	}
	srv.sessions[sess.id] = sess
	srv.mu.Unlock()
	return sess
}

func (srv *Server) removeSession(sess *Session) {
	srv.mu.Lock()
	delete(srv.sessions, sess.id)
	srv.mu.Unlock()
	sess.conn.Close()
}

func (srv *Server) session(id string) *Session {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.sessions[id]
}

// SessionCount reports the number of live connections.
func (srv *Server) SessionCount() int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return len(srv.sessions)
}

func (srv *Server) serveConn(ctx context.Context, conn net.Conn) {
	sess := srv.addSession(conn)
	defer srv.removeSession(sess)

	// Server shutdown closes the socket, unblocking the read below.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		msg, err := readMessage(conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "use of closed network connection") {
				log.Debugf("transport.Server: session %s closed: %v", sess.id, err)
			} else {
				log.Errorf("transport.Server: session %s read error: %v", sess.id, err)
			}
			return
		}

		if ok, reason := srv.validator.Validate(msg, true, true); !ok {
			log.Warnf("transport.Server: session %s rejected %s message: %s", sess.id, msg.Type, reason)
			srv.replyError(sess, msg, protocol.ErrCodeValidation, reason)
			continue
		}

		sess.touch()

		if srv.cfg.RequireAuth && !sess.Authenticated() && msg.Type != protocol.MsgAuthRequest {
			srv.replyError(sess, msg, protocol.ErrCodeUnauthenticated, "authentication required")
			continue
		}

		switch msg.Type {
		case protocol.MsgAuthRequest:
			srv.handleAuth(sess, msg)
		case protocol.MsgHeartbeat:
			if err := srv.Respond(sess.id, msg, protocol.MsgHeartbeat, nil); err != nil {
				log.Errorf("transport.Server: session %s heartbeat reply failed: %v", sess.id, err)
				return
			}
		default:
			srv.hmu.RLock()
			handler := srv.handlers[msg.Type]
			srv.hmu.RUnlock()
			if handler == nil {
				log.Warnf("transport.Server: session %s sent %s with no registered handler", sess.id, msg.Type)
				srv.replyError(sess, msg, protocol.ErrCodeBadRequest, fmt.Sprintf("no handler for %s", msg.Type))
				continue
			}
			// Runs inline: frames on one connection are processed one at a time.
			handler(ctx, msg, sess.id)
		}
	}
}

func (srv *Server) handleAuth(sess *Session, msg *protocol.Message) {
	ok := true
	authData := ""
	if srv.auth != nil {
		ok, authData = srv.auth(msg)
	}

	resp := &protocol.AuthResponse{Success: ok, Session: sess.id}
	if ok {
		sess.markAuthenticated(authData)
		log.Infof("transport.Server: session %s authenticated as %s", sess.id, msg.Source.NodeID.String())
	} else {
		// The connection stays open so the client may retry with new credentials.
		resp.Reason = "credentials rejected"
		log.Warnf("transport.Server: session %s failed authentication", sess.id)
	}

	if err := srv.Respond(sess.id, msg, protocol.MsgAuthResponse, resp); err != nil {
		log.Errorf("transport.Server: session %s auth reply failed: %v", sess.id, err)
	}
}

func (srv *Server) replyError(sess *Session, req *protocol.Message, code string, reason string) {
	if err := srv.Respond(sess.id, req, protocol.MsgError, &protocol.ErrorInfo{Code: code, Reason: reason}); err != nil {
		log.Errorf("transport.Server: session %s error reply failed: %v", sess.id, err)
	}
}

// Respond builds, signs and sends a reply correlated to req on the given session.
func (srv *Server) Respond(sessionID string, req *protocol.Message, t protocol.MsgType, payload any) error {
	m, err := protocol.NewReply(req, t, payload)
	if err != nil {
		return err
	}
	return srv.Send(sessionID, m)
}

// Send signs and writes a message to a specific session. Used both for responses
// and for server-initiated pushes.
func (srv *Server) Send(sessionID string, m *protocol.Message) error {
	sess := srv.session(sessionID)
	if sess == nil {
		return fmt.Errorf("transport: no live session %s", sessionID)
	}

	m.Source = srv.cfg.Identity
	if err := m.Sign(srv.cfg.Key); err != nil {
		return err
	}
	return sess.write(m)
}

// SweepIdle disconnects sessions idle beyond the configured timeout.
// Runs via timer.RunWithTicker.
func (srv *Server) SweepIdle(ctx context.Context) error {
	if srv.cfg.IdleTimeout <= 0 {
		return nil
	}

	cutoff := time.Now().Add(-srv.cfg.IdleTimeout)

	srv.mu.Lock()
	var idle []*Session
	for _, sess := range srv.sessions {
		if sess.idleSince().Before(cutoff) {
			idle = append(idle, sess)
		}
	}
	srv.mu.Unlock()

	for _, sess := range idle {
		log.Infof("transport.Server: disconnecting idle session %s (last activity %v)", sess.id, sess.idleSince())
		// Closing the socket unblocks the session's read loop, which removes it.
		sess.conn.Close()
	}
	return nil
}
