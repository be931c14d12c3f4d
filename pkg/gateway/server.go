package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/helixlabs/helix/pkg/bus"
	"github.com/helixlabs/helix/pkg/channels"
	"github.com/helixlabs/helix/pkg/config"
	"github.com/helixlabs/helix/pkg/devices"
	"github.com/helixlabs/helix/pkg/hooks"
	"github.com/helixlabs/helix/pkg/logger"
	"github.com/helixlabs/helix/pkg/voice"
)

// Deps collects the server's collaborators. Voice and Channels may be nil;
// the matching methods then answer provider-unavailable.
type Deps struct {
	Store    *config.Store
	Broker   *bus.Broker
	Registry *devices.Registry
	Gate     *devices.Gate
	Hooks    *hooks.Engine
	Voice    *voice.Pipeline
	Channels *channels.Manager
}

// Server is the WebSocket control plane: handshake, scoped method dispatch,
// and event fan-out on behalf of subscribed clients.
type Server struct {
	store    *config.Store
	broker   *bus.Broker
	registry *devices.Registry
	gate     *devices.Gate
	hooks    *hooks.Engine
	voice    *voice.Pipeline
	channels *channels.Manager

	handshakeTimeout time.Duration
	methodTimeout    time.Duration
	enqueueTimeout   time.Duration
	outQueueSize     int

	upgrader websocket.Upgrader
	httpSrv  *http.Server
	methods  map[string]method

	ctx     context.Context
	cancel  context.CancelFunc
	addr    string
	started time.Time

	mu       sync.Mutex
	sessions map[string]*session
	nextID   atomic.Uint64
}

func NewServer(deps Deps) *Server {
	cfg := deps.Store.Snapshot()
	g := &Server{
		store:    deps.Store,
		broker:   deps.Broker,
		registry: deps.Registry,
		gate:     deps.Gate,
		hooks:    deps.Hooks,
		voice:    deps.Voice,
		channels: deps.Channels,

		handshakeTimeout: secondsOr(cfg.Timeouts.HandshakeSec, 10*time.Second),
		methodTimeout:    secondsOr(cfg.Timeouts.MethodSec, 30*time.Second),
		enqueueTimeout:   millisOr(cfg.Timeouts.EnqueueMs, 2*time.Second),
		outQueueSize:     cfg.Gateway.OutboundQueueSize,

		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*session),
	}
	if g.outQueueSize < defaultOutQueueSize {
		g.outQueueSize = defaultOutQueueSize
	}
	g.methods = g.methodTable()

	// Config writes become config:changed broadcasts. The diff carries
	// paths only, never values, so secrets cannot leak through it.
	deps.Store.OnChange(func(_ *config.Config, diff *config.Diff) {
		g.broker.Publish(bus.EventConfigChanged, map[string]any{
			"added":    diff.Added,
			"modified": diff.Modified,
			"removed":  diff.Removed,
		})
	})
	return g
}

func secondsOr(sec int, def time.Duration) time.Duration {
	if sec <= 0 {
		return def
	}
	return time.Duration(sec) * time.Second
}

func millisOr(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// Start binds the listen socket and serves until Stop. A bind failure is
// returned synchronously so the caller can report the occupied port.
func (g *Server) Start(ctx context.Context) error {
	cfg := g.store.Snapshot()
	host := cfg.Gateway.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Gateway.Port
	if port == 0 {
		port = DefaultPort
	}
	addr := fmt.Sprintf("%s:%d", host, port)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen on %s: %w", addr, err)
	}
	g.addr = ln.Addr().String()
	g.started = time.Now()
	g.ctx, g.cancel = context.WithCancel(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleWS)
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/ready", g.handleReady)
	g.httpSrv = &http.Server{Handler: mux}

	go g.watchRevocations(g.ctx)
	go func() {
		if err := g.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorCF("gateway", "HTTP serve stopped", map[string]any{"error": err.Error()})
		}
	}()

	logger.InfoCF("gateway", "Gateway listening", map[string]any{"addr": g.addr})
	return nil
}

// Addr returns the bound listen address, valid after Start.
func (g *Server) Addr() string { return g.addr }

func (g *Server) Stop(ctx context.Context) error {
	if g.cancel != nil {
		g.cancel()
	}

	g.mu.Lock()
	open := make([]*session, 0, len(g.sessions))
	for _, s := range g.sessions {
		open = append(open, s)
	}
	g.mu.Unlock()
	for _, s := range open {
		s.close()
	}

	if g.httpSrv == nil {
		return nil
	}
	return g.httpSrv.Shutdown(ctx)
}

func (g *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnCF("gateway", "Upgrade failed", map[string]any{"error": err.Error()})
		return
	}

	id := fmt.Sprintf("s%06d", g.nextID.Add(1))
	sess := newSession(id, conn, g)

	g.mu.Lock()
	g.sessions[id] = sess
	g.mu.Unlock()

	ctx := g.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	go sess.run(ctx)
}

// bindDevice publishes the session's device under the server mutex so the
// revocation watcher never races the handshake.
func (g *Server) bindDevice(s *session, dev *devices.Device) {
	g.mu.Lock()
	s.device = dev
	g.mu.Unlock()
}

func (g *Server) removeSession(id string) {
	g.mu.Lock()
	delete(g.sessions, id)
	g.mu.Unlock()
}

func (g *Server) sessionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// watchRevocations closes every live session bound to a device the moment
// the registry revokes it.
func (g *Server) watchRevocations(ctx context.Context) {
	sub := g.broker.Subscribe("gateway:revocations", []string{bus.EventDeviceRevoked}, 16)
	defer g.broker.Unsubscribe("gateway:revocations")

	for {
		evt, ok := sub.Next(ctx)
		if !ok {
			return
		}
		deviceID, _ := evt.Payload["deviceId"].(string)
		if deviceID == "" {
			continue
		}

		g.mu.Lock()
		var victims []*session
		for _, s := range g.sessions {
			if s.device != nil && s.device.ID == deviceID {
				victims = append(victims, s)
			}
		}
		g.mu.Unlock()

		for _, s := range victims {
			s.closeWith(codeForbidden)
		}
	}
}

func (g *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":     "ok",
		"version":    Version,
		"uptime_sec": int(time.Since(g.started).Seconds()),
		"sessions":   g.sessionCount(),
	})
}

func (g *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
