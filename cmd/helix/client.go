package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/helixlabs/helix/pkg/config"
)

const clientTimeout = 10 * time.Second

// loadConfig reads the persisted config with env overrides applied, without
// starting a store writer.
func loadConfig() (*config.Config, error) {
	paths := config.ResolveRuntimePaths()
	return config.LoadConfig(paths.ConfigPath)
}

func gatewayHostPort(cfg *config.Config) (string, int) {
	host := cfg.Gateway.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Gateway.Port
	if port == 0 {
		port = 18789
	}
	return host, port
}

// adminCall performs one method call against the local gateway using the
// provisioned local admin identity, then closes the connection.
func adminCall(cfg *config.Config, method string, params map[string]any) (map[string]any, error) {
	host, port := gatewayHostPort(cfg)
	url := fmt.Sprintf("ws://%s:%d/ws", host, port)

	dialer := websocket.Dialer{HandshakeTimeout: clientTimeout}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("gateway unreachable at %s:%d (is helix running?): %w", host, port, err)
	}
	defer conn.Close()
	deadline := time.Now().Add(clientTimeout)
	_ = conn.SetReadDeadline(deadline)
	_ = conn.SetWriteDeadline(deadline)

	var challenge map[string]any
	if err := conn.ReadJSON(&challenge); err != nil {
		return nil, fmt.Errorf("read challenge: %w", err)
	}
	if err := conn.WriteJSON(map[string]any{
		"type":     "hello",
		"deviceId": localAdminID,
		"token":    "local-cli",
	}); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}

	var hello map[string]any
	if err := conn.ReadJSON(&hello); err != nil {
		return nil, fmt.Errorf("read hello reply: %w", err)
	}
	if hello["type"] != "hello-ok" {
		return nil, fmt.Errorf("gateway refused local admin session: %v", hello["reason"])
	}

	if err := conn.WriteJSON(map[string]any{"id": 1, "method": method, "params": params}); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	type reply struct {
		ID     json.RawMessage `json:"id"`
		Result map[string]any  `json:"result"`
		Error  *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	var resp reply
	for {
		resp = reply{}
		if err := conn.ReadJSON(&resp); err != nil {
			return nil, fmt.Errorf("read %s reply: %w", method, err)
		}
		if len(resp.ID) > 0 {
			break
		}
	}
	if resp.Error != nil {
		if resp.Error.Message != "" {
			return nil, fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
		}
		return nil, fmt.Errorf("%s", resp.Error.Code)
	}
	return resp.Result, nil
}
