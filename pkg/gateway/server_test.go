package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/helixlabs/helix/pkg/bus"
	"github.com/helixlabs/helix/pkg/config"
	"github.com/helixlabs/helix/pkg/devices"
)

var testScopes = []string{"config.read", "config.write", "node.read", "admin", "voice"}

type gatewayFixture struct {
	srv      *Server
	store    *config.Store
	broker   *bus.Broker
	registry *devices.Registry
	wsURL    string
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	home := t.TempDir()
	paths := config.RuntimePaths{
		HomeDir:     home,
		ConfigPath:  filepath.Join(home, "config.json"),
		SecretsPath: filepath.Join(home, "secrets.json"),
		JournalPath: filepath.Join(home, "config.journal"),
		PIDPath:     filepath.Join(home, "helix.pid"),
		DevicesPath: filepath.Join(home, "devices.json"),
	}
	store, err := config.NewStore(paths)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	broker := bus.NewBroker()
	registry, err := devices.NewRegistry(paths.DevicesPath, broker, testScopes)
	require.NoError(t, err)
	gate := devices.NewGate(registry, devices.NewCodeStore(0), broker)

	srv := NewServer(Deps{
		Store:    store,
		Broker:   broker,
		Registry: registry,
		Gate:     gate,
	})

	ts := httptest.NewServer(http.HandlerFunc(srv.handleWS))
	t.Cleanup(ts.Close)

	return &gatewayFixture{
		srv:      srv,
		store:    store,
		broker:   broker,
		registry: registry,
		wsURL:    "ws" + strings.TrimPrefix(ts.URL, "http"),
	}
}

// approveDevice registers and approves a device carrying the full test
// scope set.
func (f *gatewayFixture) approveDevice(t *testing.T, id string) {
	t.Helper()
	f.registry.RequestPairing(id, "test device", "test", "")
	_, err := f.registry.Approve(id)
	require.NoError(t, err)
}

func (f *gatewayFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

// handshake completes the challenge/hello exchange and returns the hello-ok
// (or hello-err) frame.
func handshake(t *testing.T, conn *websocket.Conn, deviceID string, scopes []string) map[string]any {
	t.Helper()
	challenge := readFrame(t, conn)
	require.Equal(t, "challenge", challenge["type"])
	require.NotEmpty(t, challenge["challenge"])

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":     "hello",
		"deviceId": deviceID,
		"token":    "test-token",
		"scopes":   scopes,
	}))
	return readFrame(t, conn)
}

func call(t *testing.T, conn *websocket.Conn, id int, method string, params map[string]any) map[string]any {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"id": id, "method": method, "params": params}))
	for {
		frame := readFrame(t, conn)
		if frame["type"] == "event" {
			continue
		}
		require.EqualValues(t, id, frame["id"])
		return frame
	}
}

func errorCode(t *testing.T, frame map[string]any) string {
	t.Helper()
	errObj, ok := frame["error"].(map[string]any)
	require.True(t, ok, "expected error in %v", frame)
	code, _ := errObj["code"].(string)
	return code
}

func TestHandshakeAndConfigGet(t *testing.T) {
	f := newGatewayFixture(t)
	f.approveDevice(t, "d1")

	conn := f.dial(t)
	ok := handshake(t, conn, "d1", []string{"config.read"})
	require.Equal(t, "hello-ok", ok["type"])
	require.Equal(t, "observer", ok["role"])
	require.Equal(t, []any{"config.read"}, ok["grantedScopes"])
	require.Equal(t, Version, ok["version"])

	resp := call(t, conn, 1, "config.get", map[string]any{"path": "voice.stt"})
	result, isMap := resp["result"].(map[string]any)
	require.True(t, isMap)
	require.Contains(t, result, "provider")
}

func TestUnscopedPatchRefused(t *testing.T) {
	f := newGatewayFixture(t)
	f.approveDevice(t, "d1")

	watcher := f.broker.Subscribe("watch", []string{bus.EventConfigChanged}, 8)
	defer f.broker.Unsubscribe("watch")

	conn := f.dial(t)
	handshake(t, conn, "d1", []string{"config.read"})

	resp := call(t, conn, 2, "config.patch", map[string]any{"path": "voice", "value": map[string]any{}})
	require.Equal(t, codeForbidden, errorCode(t, resp))

	shortCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, got := watcher.Next(shortCtx)
	require.False(t, got, "refused patch must not emit config:changed")
}

func TestHandshakeUnknownDevice(t *testing.T) {
	f := newGatewayFixture(t)

	conn := f.dial(t)
	errFrame := handshake(t, conn, "ghost", []string{"config.read"})
	require.Equal(t, "hello-err", errFrame["type"])
	require.Equal(t, codeUnauthenticated, errFrame["reason"])

	pending := f.registry.ListPending()
	require.Len(t, pending, 1)
	require.Equal(t, "ghost", pending[0].ID)
}

func TestHandshakeRejectsMalformedHello(t *testing.T) {
	f := newGatewayFixture(t)
	f.approveDevice(t, "d1")

	conn := f.dial(t)
	challenge := readFrame(t, conn)
	require.Equal(t, "challenge", challenge["type"])

	// A method call before hello is not serviced.
	require.NoError(t, conn.WriteJSON(map[string]any{"id": 1, "method": "config.get"}))
	errFrame := readFrame(t, conn)
	require.Equal(t, "hello-err", errFrame["type"])
	require.Equal(t, codeBadRequest, errFrame["reason"])
}

func TestHandshakeTimeoutClosesConnection(t *testing.T) {
	f := newGatewayFixture(t)
	f.srv.handshakeTimeout = 100 * time.Millisecond

	conn := f.dial(t)
	challenge := readFrame(t, conn)
	require.Equal(t, "challenge", challenge["type"])

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	closeErr, isClose := err.(*websocket.CloseError)
	require.True(t, isClose, "expected close frame, got %v", err)
	require.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	require.Equal(t, codeHandshakeTimeout, closeErr.Text)
}

func TestUnknownMethod(t *testing.T) {
	f := newGatewayFixture(t)
	f.approveDevice(t, "d1")

	conn := f.dial(t)
	handshake(t, conn, "d1", nil)

	resp := call(t, conn, 7, "no.such.method", nil)
	require.Equal(t, codeNotFound, errorCode(t, resp))
}

func TestSubscribeDeliversEventsInOrder(t *testing.T) {
	f := newGatewayFixture(t)
	f.approveDevice(t, "d1")

	conn := f.dial(t)
	handshake(t, conn, "d1", nil)

	resp := call(t, conn, 1, "subscribe", map[string]any{"events": []string{"voice:state"}})
	require.Nil(t, resp["error"])

	f.broker.Publish("voice:state", map[string]any{"state": "listening"})
	f.broker.Publish("voice:transcript", map[string]any{"text": "filtered out"})
	f.broker.Publish("voice:state", map[string]any{"state": "idle"})

	first := readFrame(t, conn)
	require.Equal(t, "event", first["type"])
	require.Equal(t, "voice:state", first["event"])
	require.Equal(t, "listening", first["data"].(map[string]any)["state"])

	second := readFrame(t, conn)
	require.Equal(t, "voice:state", second["event"])
	require.Equal(t, "idle", second["data"].(map[string]any)["state"])
	require.Greater(t, second["seq"].(float64), first["seq"].(float64))
}

func TestConfigPatchEmitsConfigChanged(t *testing.T) {
	f := newGatewayFixture(t)
	f.approveDevice(t, "d1")

	conn := f.dial(t)
	handshake(t, conn, "d1", []string{"config.read", "config.write"})

	resp := call(t, conn, 1, "subscribe", map[string]any{"events": []string{"config:changed"}})
	require.Nil(t, resp["error"])

	// The change event and the patch response race on the wire; accept
	// either order.
	require.NoError(t, conn.WriteJSON(map[string]any{
		"id": 2, "method": "config.patch",
		"params": map[string]any{"path": "voice.mode", "value": "always-on"},
	}))
	var gotResponse, gotEvent bool
	for !gotResponse || !gotEvent {
		frame := readFrame(t, conn)
		if frame["type"] == "event" {
			require.Equal(t, "config:changed", frame["event"])
			data := frame["data"].(map[string]any)
			require.Contains(t, data["modified"], "voice.mode")
			gotEvent = true
			continue
		}
		require.EqualValues(t, 2, frame["id"])
		require.Nil(t, frame["error"])
		gotResponse = true
	}
}

func TestConfigGetRedactsSecrets(t *testing.T) {
	f := newGatewayFixture(t)
	f.approveDevice(t, "d1")

	_, err := f.store.Patch("channels.telegram.token", "123:very-secret")
	require.NoError(t, err)

	conn := f.dial(t)
	handshake(t, conn, "d1", []string{"config.read"})

	resp := call(t, conn, 1, "config.get", map[string]any{"path": "channels.telegram"})
	result := resp["result"].(map[string]any)
	require.Equal(t, "[REDACTED]", result["token"])
}

func TestPairingApproveErrorCodes(t *testing.T) {
	f := newGatewayFixture(t)
	f.approveDevice(t, "admin1")

	conn := f.dial(t)
	handshake(t, conn, "admin1", []string{"admin"})

	resp := call(t, conn, 1, "pairing.approve", map[string]any{"channel": "telegram", "code": "HELIXXXXX"})
	require.Equal(t, codeUnknownCode, errorCode(t, resp))
}

func TestVoiceMethodsWithoutPipeline(t *testing.T) {
	f := newGatewayFixture(t)
	f.approveDevice(t, "d1")

	conn := f.dial(t)
	handshake(t, conn, "d1", []string{"voice"})

	resp := call(t, conn, 1, "voice.interrupt", nil)
	require.Equal(t, codeProviderUnavailable, errorCode(t, resp))
}

func TestRevokedDeviceSessionClosed(t *testing.T) {
	f := newGatewayFixture(t)
	f.approveDevice(t, "d1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.srv.watchRevocations(ctx)

	conn := f.dial(t)
	ok := handshake(t, conn, "d1", nil)
	require.Equal(t, "hello-ok", ok["type"])

	f.approveDevice(t, "admin-console")
	admin := f.dial(t)
	ok = handshake(t, admin, "admin-console", []string{"admin"})
	require.Equal(t, "hello-ok", ok["type"])
	resp := call(t, admin, 1, "device.revoke", map[string]any{"id": "d1"})
	require.Nil(t, resp["error"], "revoke failed: %v", resp["error"])

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	closeErr, isClose := err.(*websocket.CloseError)
	require.True(t, isClose, "expected close frame, got %v", err)
	require.Equal(t, codeForbidden, closeErr.Text)
}

func TestRoleDerivation(t *testing.T) {
	require.Equal(t, "admin", roleFor([]string{"config.read", "admin"}))
	require.Equal(t, "node", roleFor([]string{"config.read", "voice"}))
	require.Equal(t, "observer", roleFor([]string{"config.read", "node.read"}))
	require.Equal(t, "observer", roleFor(nil))
}

func TestGrantScopesIntersection(t *testing.T) {
	held := []string{"config.read", "voice"}
	require.Equal(t, []string{"config.read"}, grantScopes([]string{"config.read", "admin"}, held))
	require.Equal(t, held, grantScopes(nil, held))
	require.Empty(t, grantScopes([]string{"admin"}, held))
}
