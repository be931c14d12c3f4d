package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/helixlabs/helix/pkg/bus"
	"github.com/helixlabs/helix/pkg/devices"
	"github.com/helixlabs/helix/pkg/logger"
)

const (
	writeWait           = 10 * time.Second
	maxFrameBytes       = 1 << 20
	defaultOutQueueSize = 64
)

// session is one WebSocket connection. The read pump handles requests
// serially so replies go out in arrival order; events ride the same
// outbound queue but carry their own sequence numbers.
type session struct {
	id     string
	conn   *websocket.Conn
	server *Server

	device *devices.Device
	role   string
	scopes map[string]bool

	out  chan []byte
	done chan struct{}
	once sync.Once

	subMu sync.Mutex
	sub   *bus.Subscription
}

func newSession(id string, conn *websocket.Conn, srv *Server) *session {
	queue := srv.outQueueSize
	if queue < defaultOutQueueSize {
		queue = defaultOutQueueSize
	}
	return &session{
		id:     id,
		conn:   conn,
		server: srv,
		scopes: make(map[string]bool),
		out:    make(chan []byte, queue),
		done:   make(chan struct{}),
	}
}

func (s *session) run(ctx context.Context) {
	defer s.teardown()

	s.conn.SetReadLimit(maxFrameBytes)

	// Handshake frames are written synchronously; the write pump only
	// exists for authenticated traffic.
	if !s.handshake() {
		return
	}
	go s.writePump()
	s.readLoop(ctx)
}

func (s *session) writeDirect(v any) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v) == nil
}

// handshake sends the challenge and waits for a valid hello within the
// configured deadline. Exactly one challenge precedes any hello-ok.
func (s *session) handshake() bool {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		logger.ErrorCF("gateway", "Challenge nonce generation failed", map[string]any{"error": err.Error()})
		return false
	}
	if !s.writeDirect(challengeFrame{Type: "challenge", Challenge: hex.EncodeToString(nonce)}) {
		return false
	}

	deadline := s.server.handshakeTimeout
	_ = s.conn.SetReadDeadline(time.Now().Add(deadline))
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		s.closeWith(codeHandshakeTimeout)
		return false
	}
	_ = s.conn.SetReadDeadline(time.Time{})

	var hello helloFrame
	if err := json.Unmarshal(data, &hello); err != nil || hello.Type != "hello" {
		s.writeDirect(helloErrFrame{Type: "hello-err", Reason: codeBadRequest})
		return false
	}
	if hello.DeviceID == "" || hello.Token == "" {
		s.writeDirect(helloErrFrame{Type: "hello-err", Reason: codeBadRequest})
		return false
	}

	dev := s.server.registry.Resolve(hello.DeviceID)
	if dev == nil {
		s.server.registry.RequestPairing(hello.DeviceID, "", "", "")
		s.writeDirect(helloErrFrame{Type: "hello-err", Reason: codeUnauthenticated})
		return false
	}

	granted := grantScopes(hello.Scopes, dev.Scopes)
	s.server.bindDevice(s, dev)
	s.role = roleFor(granted)
	for _, sc := range granted {
		s.scopes[sc] = true
	}
	s.server.registry.Touch(dev.ID)

	logger.InfoCF("gateway", "Session authenticated", map[string]any{
		"session": s.id, "deviceId": dev.ID, "role": s.role,
	})
	return s.writeDirect(helloOKFrame{
		Type:          "hello-ok",
		Role:          s.role,
		GrantedScopes: granted,
		Version:       Version,
	})
}

// grantScopes intersects the requested scopes with the device's. An empty
// request grants everything the device holds.
func grantScopes(requested, held []string) []string {
	if len(requested) == 0 {
		return append([]string(nil), held...)
	}
	heldSet := make(map[string]bool, len(held))
	for _, s := range held {
		heldSet[s] = true
	}
	granted := make([]string, 0, len(requested))
	for _, s := range requested {
		if heldSet[s] {
			granted = append(granted, s)
		}
	}
	return granted
}

func (s *session) readLoop(ctx context.Context) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var req requestFrame
		if err := json.Unmarshal(data, &req); err != nil || req.Method == "" {
			if !s.send(responseFrame{ID: req.ID, Error: rpcErr(codeBadRequest, "malformed request")}) {
				return
			}
			continue
		}

		result, callErr := s.server.dispatch(ctx, s, req.Method, req.Params)
		if !s.send(responseFrame{ID: req.ID, Result: result, Error: callErr}) {
			return
		}
	}
}

// subscribe replaces this session's broker subscription; the broker closes
// the previous one, which stops its forwarding goroutine.
func (s *session) subscribe(kinds []string) {
	if len(kinds) == 0 {
		kinds = nil
	}
	sub := s.server.broker.Subscribe("session:"+s.id, kinds, s.server.outQueueSize)
	s.subMu.Lock()
	s.sub = sub
	s.subMu.Unlock()
	go s.forwardEvents(sub)
}

func (s *session) forwardEvents(sub *bus.Subscription) {
	for {
		evt, ok := sub.Next(context.Background())
		if !ok {
			return
		}
		frame := eventFrame{
			Type:  "event",
			Event: evt.Kind,
			Data:  evt.Payload,
			Seq:   evt.Seq,
			TS:    evt.TS.UnixMilli(),
		}
		if !s.send(frame) {
			return
		}
	}
}

// send marshals v and enqueues it for the write pump. A client that cannot
// drain its queue within the enqueue timeout is closed as slow.
func (s *session) send(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		logger.ErrorCF("gateway", "Frame marshal failed", map[string]any{"session": s.id, "error": err.Error()})
		return true
	}

	timer := time.NewTimer(s.server.enqueueTimeout)
	defer timer.Stop()
	select {
	case s.out <- data:
		return true
	case <-s.done:
		return false
	case <-timer.C:
		s.closeWith(codeSlowClient)
		return false
	}
}

func (s *session) writePump() {
	for {
		select {
		case data := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// closeWith sends a close control frame carrying the reason, then tears the
// connection down.
func (s *session) closeWith(reason string) {
	s.once.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		close(s.done)
		_ = s.conn.Close()
		logger.WarnCF("gateway", "Session closed", map[string]any{"session": s.id, "reason": reason})
	})
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *session) teardown() {
	s.close()
	s.server.broker.Unsubscribe("session:" + s.id)
	s.server.removeSession(s.id)
}
