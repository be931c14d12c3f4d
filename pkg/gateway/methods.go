package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/helixlabs/helix/pkg/config"
	"github.com/helixlabs/helix/pkg/devices"
	"github.com/helixlabs/helix/pkg/redaction"
	"github.com/helixlabs/helix/pkg/voice"
)

// method is one dispatchable entry. An empty scope means any authenticated
// session may call it.
type method struct {
	scope string
	fn    func(ctx context.Context, s *session, params json.RawMessage) (any, *rpcError)
}

func (g *Server) methodTable() map[string]method {
	return map[string]method{
		"config.get":          {scope: "config.read", fn: g.methodConfigGet},
		"config.patch":        {scope: "config.write", fn: g.methodConfigPatch},
		"device.pair.list":    {scope: "admin", fn: g.methodDevicePairList},
		"device.pair.approve": {scope: "admin", fn: g.methodDevicePairApprove},
		"device.pair.reject":  {scope: "admin", fn: g.methodDevicePairReject},
		"device.revoke":       {scope: "admin", fn: g.methodDeviceRevoke},
		"pairing.list":        {scope: "admin", fn: g.methodPairingList},
		"pairing.approve":     {scope: "admin", fn: g.methodPairingApprove},
		"node.list":           {scope: "node.read", fn: g.methodNodeList},
		"node.describe":       {scope: "node.read", fn: g.methodNodeDescribe},
		"hooks.list":          {scope: "config.read", fn: g.methodHooksList},
		"voice.mode.set":      {scope: "voice", fn: g.methodVoiceModeSet},
		"voice.speak":         {scope: "voice", fn: g.methodVoiceSpeak},
		"voice.interrupt":     {scope: "voice", fn: g.methodVoiceInterrupt},
		"voice.status":        {scope: "voice", fn: g.methodVoiceStatus},
		"subscribe":           {fn: g.methodSubscribe},
	}
}

func (g *Server) dispatch(ctx context.Context, s *session, name string, params json.RawMessage) (any, *rpcError) {
	m, ok := g.methods[name]
	if !ok {
		return nil, rpcErr(codeNotFound, fmt.Sprintf("unknown method %q", name))
	}
	if m.scope != "" && !s.hasScope(m.scope) {
		return nil, rpcErr(codeForbidden, fmt.Sprintf("%s requires scope %s", name, m.scope))
	}

	callCtx, cancel := context.WithTimeout(ctx, g.methodTimeout)
	defer cancel()
	return m.fn(callCtx, s, params)
}

func (s *session) hasScope(scope string) bool {
	return s.scopes[scope] || s.scopes["admin"]
}

func parseParams(params json.RawMessage, v any) *rpcError {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return rpcErr(codeBadRequest, "invalid params: "+err.Error())
	}
	return nil
}

// redactTree masks secret-named leaves in a config subtree before it leaves
// the process.
func redactTree(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if redaction.IsSecretField(k) {
				if str, ok := val.(string); ok && str != "" {
					out[k] = "[REDACTED]"
				} else {
					out[k] = val
				}
				continue
			}
			out[k] = redactTree(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = redactTree(val)
		}
		return out
	default:
		return v
	}
}

func (g *Server) methodConfigGet(_ context.Context, _ *session, params json.RawMessage) (any, *rpcError) {
	var p struct {
		Path string `json:"path"`
	}
	if perr := parseParams(params, &p); perr != nil {
		return nil, perr
	}

	val, err := g.store.Get(p.Path)
	if err != nil {
		if errors.Is(err, config.ErrPathNotFound) {
			return nil, rpcErr(codeNotFound, err.Error())
		}
		return nil, rpcErr(codeInternal, err.Error())
	}
	return redactTree(val), nil
}

func (g *Server) methodConfigPatch(_ context.Context, _ *session, params json.RawMessage) (any, *rpcError) {
	var p struct {
		Path  string `json:"path"`
		Value any    `json:"value"`
	}
	if perr := parseParams(params, &p); perr != nil {
		return nil, perr
	}

	diff, err := g.store.Patch(p.Path, p.Value)
	if err != nil {
		if errors.Is(err, config.ErrPathNotFound) {
			return nil, rpcErr(codeNotFound, err.Error())
		}
		return nil, rpcErr(codeBadRequest, err.Error())
	}
	return diff, nil
}

func (g *Server) methodDevicePairList(_ context.Context, _ *session, _ json.RawMessage) (any, *rpcError) {
	return map[string]any{
		"pending":  g.registry.ListPending(),
		"approved": g.registry.ListApproved(),
	}, nil
}

func (g *Server) methodDevicePairApprove(_ context.Context, _ *session, params json.RawMessage) (any, *rpcError) {
	var p struct {
		ID string `json:"id"`
	}
	if perr := parseParams(params, &p); perr != nil {
		return nil, perr
	}
	if p.ID == "" {
		return nil, rpcErr(codeBadRequest, "id required")
	}

	dev, err := g.registry.Approve(p.ID)
	if err != nil {
		return nil, rpcErr(codeNotFound, err.Error())
	}
	return dev, nil
}

func (g *Server) methodDevicePairReject(_ context.Context, _ *session, params json.RawMessage) (any, *rpcError) {
	var p struct {
		ID string `json:"id"`
	}
	if perr := parseParams(params, &p); perr != nil {
		return nil, perr
	}
	if p.ID == "" {
		return nil, rpcErr(codeBadRequest, "id required")
	}

	if err := g.registry.Reject(p.ID); err != nil {
		return nil, rpcErr(codeNotFound, err.Error())
	}
	return map[string]any{"rejected": p.ID}, nil
}

func (g *Server) methodDeviceRevoke(_ context.Context, _ *session, params json.RawMessage) (any, *rpcError) {
	var p struct {
		ID string `json:"id"`
	}
	if perr := parseParams(params, &p); perr != nil {
		return nil, perr
	}
	if p.ID == "" {
		return nil, rpcErr(codeBadRequest, "id required")
	}

	if err := g.registry.Revoke(p.ID); err != nil {
		return nil, rpcErr(codeNotFound, err.Error())
	}
	return map[string]any{"revoked": p.ID}, nil
}

func (g *Server) methodPairingList(_ context.Context, _ *session, params json.RawMessage) (any, *rpcError) {
	var p struct {
		Channel string `json:"channel"`
	}
	if perr := parseParams(params, &p); perr != nil {
		return nil, perr
	}
	if p.Channel == "" {
		return nil, rpcErr(codeBadRequest, "channel required")
	}
	return map[string]any{"codes": g.gate.PendingCodes(p.Channel)}, nil
}

func (g *Server) methodPairingApprove(_ context.Context, _ *session, params json.RawMessage) (any, *rpcError) {
	var p struct {
		Channel string `json:"channel"`
		Code    string `json:"code"`
	}
	if perr := parseParams(params, &p); perr != nil {
		return nil, perr
	}
	if p.Channel == "" || p.Code == "" {
		return nil, rpcErr(codeBadRequest, "channel and code required")
	}

	dev, err := g.gate.ApproveCode(p.Channel, p.Code)
	switch {
	case err == nil:
		return dev, nil
	case errors.Is(err, devices.ErrExpiredCode):
		return nil, rpcErr(codeExpired, err.Error())
	case errors.Is(err, devices.ErrUnknownCode):
		return nil, rpcErr(codeUnknownCode, err.Error())
	default:
		return nil, rpcErr(codeInternal, err.Error())
	}
}

// nodeInventory is the shared view behind node.list and node.describe:
// one entry per channel adapter plus the voice pipeline when present.
func (g *Server) nodeInventory() map[string]map[string]any {
	nodes := make(map[string]map[string]any)
	if g.channels != nil {
		for name, st := range g.channels.GetStatus() {
			entry := map[string]any{"id": "channel:" + name, "type": "channel"}
			if m, ok := st.(map[string]any); ok {
				for k, v := range m {
					entry[k] = v
				}
			}
			nodes["channel:"+name] = entry
		}
	}
	if g.voice != nil {
		st := g.voice.Status()
		nodes["voice"] = map[string]any{
			"id":    "voice",
			"type":  "voice",
			"state": string(st.State),
			"mode":  string(st.Mode),
		}
	}
	return nodes
}

func (g *Server) methodNodeList(_ context.Context, _ *session, _ json.RawMessage) (any, *rpcError) {
	inventory := g.nodeInventory()
	nodes := make([]map[string]any, 0, len(inventory))
	for _, entry := range inventory {
		nodes = append(nodes, entry)
	}
	return map[string]any{"nodes": nodes}, nil
}

func (g *Server) methodNodeDescribe(_ context.Context, _ *session, params json.RawMessage) (any, *rpcError) {
	var p struct {
		ID string `json:"id"`
	}
	if perr := parseParams(params, &p); perr != nil {
		return nil, perr
	}
	if p.ID == "" {
		return nil, rpcErr(codeBadRequest, "id required")
	}

	inventory := g.nodeInventory()
	if entry, ok := inventory[p.ID]; ok {
		return entry, nil
	}
	// Bare channel names are accepted as a convenience.
	if entry, ok := inventory["channel:"+p.ID]; ok {
		return entry, nil
	}
	return nil, rpcErr(codeNotFound, fmt.Sprintf("unknown node %q", p.ID))
}

func (g *Server) methodHooksList(_ context.Context, _ *session, _ json.RawMessage) (any, *rpcError) {
	if g.hooks == nil {
		return map[string]any{"hooks": []any{}}, nil
	}
	return map[string]any{
		"hooks":  g.hooks.List(),
		"recent": g.hooks.Recent(),
	}, nil
}

// methodVoiceModeSet applies the mode to the running pipeline first, then
// writes it back to config so the persisted tree agrees with reality.
func (g *Server) methodVoiceModeSet(ctx context.Context, _ *session, params json.RawMessage) (any, *rpcError) {
	if g.voice == nil {
		return nil, rpcErr(codeProviderUnavailable, "voice pipeline not running")
	}
	var p struct {
		Mode string `json:"mode"`
	}
	if perr := parseParams(params, &p); perr != nil {
		return nil, perr
	}

	if err := g.voice.SetMode(ctx, p.Mode); err != nil {
		if errors.Is(err, voice.ErrInvalidMode) {
			return nil, rpcErr(codeBadRequest, err.Error())
		}
		return nil, rpcErr(codeInternal, err.Error())
	}
	if _, err := g.store.Patch("voice.mode", p.Mode); err != nil {
		return nil, rpcErr(codeInternal, "mode applied but not persisted: "+err.Error())
	}
	return map[string]any{"mode": p.Mode}, nil
}

func (g *Server) methodVoiceSpeak(ctx context.Context, _ *session, params json.RawMessage) (any, *rpcError) {
	if g.voice == nil {
		return nil, rpcErr(codeProviderUnavailable, "voice pipeline not running")
	}
	var p struct {
		Text string `json:"text"`
	}
	if perr := parseParams(params, &p); perr != nil {
		return nil, perr
	}
	if strings.TrimSpace(p.Text) == "" {
		return nil, rpcErr(codeBadRequest, "text required")
	}

	if err := g.voice.Speak(ctx, p.Text); err != nil {
		return nil, rpcErr(codeConflict, err.Error())
	}
	return map[string]any{"spoken": true}, nil
}

func (g *Server) methodVoiceInterrupt(_ context.Context, _ *session, _ json.RawMessage) (any, *rpcError) {
	if g.voice == nil {
		return nil, rpcErr(codeProviderUnavailable, "voice pipeline not running")
	}
	g.voice.Interrupt()
	return map[string]any{"interrupted": true}, nil
}

func (g *Server) methodVoiceStatus(_ context.Context, _ *session, _ json.RawMessage) (any, *rpcError) {
	if g.voice == nil {
		return nil, rpcErr(codeProviderUnavailable, "voice pipeline not running")
	}
	return g.voice.Status(), nil
}

// methodSubscribe declares event interest. An empty events list means all
// kinds; calling again replaces the previous subscription.
func (g *Server) methodSubscribe(_ context.Context, s *session, params json.RawMessage) (any, *rpcError) {
	var p struct {
		Events []string `json:"events"`
	}
	if perr := parseParams(params, &p); perr != nil {
		return nil, perr
	}

	s.subscribe(p.Events)
	if len(p.Events) == 0 {
		return map[string]any{"events": "all"}, nil
	}
	return map[string]any{"events": p.Events}, nil
}
