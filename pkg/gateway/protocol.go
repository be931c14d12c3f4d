package gateway

import "encoding/json"

// Version is reported to clients in hello-ok.
const Version = "0.1.0"

// DefaultPort is used when gateway.port is unset.
const DefaultPort = 18789

// Error codes carried in method responses and close reasons.
const (
	codeBadRequest          = "bad-request"
	codeUnauthenticated     = "unauthenticated"
	codeForbidden           = "forbidden"
	codeNotFound            = "not-found"
	codeConflict            = "conflict"
	codeUnknownCode         = "unknown-code"
	codeExpired             = "expired"
	codeHandshakeTimeout    = "handshake-timeout"
	codeSlowClient          = "slow-client"
	codeProviderUnavailable = "provider-unavailable"
	codeInternal            = "internal"
)

type rpcError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func rpcErr(code, message string) *rpcError {
	return &rpcError{Code: code, Message: message}
}

// challengeFrame is the first frame on every accepted connection.
type challengeFrame struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
}

type helloFrame struct {
	Type     string   `json:"type"`
	DeviceID string   `json:"deviceId"`
	Token    string   `json:"token"`
	Scopes   []string `json:"scopes"`
}

type helloOKFrame struct {
	Type          string   `json:"type"`
	Role          string   `json:"role"`
	GrantedScopes []string `json:"grantedScopes"`
	Version       string   `json:"version"`
}

type helloErrFrame struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// requestFrame is a client method call. The id is echoed back verbatim, so
// clients may use numbers or strings.
type requestFrame struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type responseFrame struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

// eventFrame is a server-initiated broadcast. Seq comes from the broker;
// replies and events do not share a sequence space.
type eventFrame struct {
	Type  string         `json:"type"`
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
	Seq   uint64         `json:"seq"`
	TS    int64          `json:"ts"`
}

// roleFor derives the session role from the granted scope set: admin scope
// wins, any write scope makes a node, a read-only set is an observer.
func roleFor(scopes []string) string {
	role := "observer"
	for _, s := range scopes {
		if s == "admin" {
			return "admin"
		}
		if !isReadScope(s) {
			role = "node"
		}
	}
	return role
}

func isReadScope(s string) bool {
	return len(s) > 5 && s[len(s)-5:] == ".read"
}
