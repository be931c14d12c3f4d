package channels

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/helixlabs/helix/pkg/bus"
	"github.com/helixlabs/helix/pkg/config"
	"github.com/helixlabs/helix/pkg/devices"
	"github.com/helixlabs/helix/pkg/logger"
)

const (
	signalMaxMessageLength  = 6000
	signalSSEReconnectDelay = 5 * time.Second
	signalRPCTimeout        = 30 * time.Second
	signalDefaultCLIURL     = "http://localhost:8080"
)

func init() {
	RegisterFactory("signal", func(cfg *config.Config, b *bus.MessageBus, gate *devices.Gate) (Channel, error) {
		return NewSignalChannel(cfg.Channels.Signal, b, gate)
	})
}

// SignalChannel talks to a signal-cli daemon: SSE for receiving, JSON-RPC
// for sending.
type SignalChannel struct {
	*BaseChannel
	config     config.SignalConfig
	httpClient *http.Client
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

type signalEvent struct {
	Envelope signalEnvelope `json:"envelope"`
	Account  string         `json:"account"`
}

type signalEnvelope struct {
	Source       string             `json:"source"`
	SourceNumber string             `json:"sourceNumber"`
	SourceName   string             `json:"sourceName"`
	Timestamp    int64              `json:"timestamp"`
	DataMessage  *signalDataMessage `json:"dataMessage"`
}

type signalDataMessage struct {
	Timestamp int64            `json:"timestamp"`
	Message   string           `json:"message"`
	GroupInfo *signalGroupInfo `json:"groupInfo"`
}

type signalGroupInfo struct {
	GroupID string `json:"groupId"`
}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	ID      int    `json:"id"`
	Params  any    `json:"params"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *jsonRPCError   `json:"error"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func NewSignalChannel(cfg config.SignalConfig, b *bus.MessageBus, gate *devices.Gate) (*SignalChannel, error) {
	if cfg.CLIURL == "" {
		cfg.CLIURL = signalDefaultCLIURL
	}
	return &SignalChannel{
		BaseChannel: NewBaseChannel("signal", b, cfg.Policy, cfg.AllowFrom, gate),
		config:      cfg,
		httpClient:  &http.Client{Timeout: signalRPCTimeout},
	}, nil
}

func (c *SignalChannel) MaxMessageLength() int { return signalMaxMessageLength }

func (c *SignalChannel) Start(ctx context.Context) error {
	logger.InfoCF("signal", "Starting Signal channel", map[string]any{
		"signal_cli_url": c.config.CLIURL,
		"account":        c.config.Account,
	})

	c.ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.sseLoop()
	}()

	c.setRunning(true)
	return nil
}

func (c *SignalChannel) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.WarnC("signal", "Stop timed out waiting for receive loop")
	}

	c.setRunning(false)
	return nil
}

func (c *SignalChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("signal channel not running")
	}

	params := map[string]any{
		"account": c.config.Account,
		"message": msg.Content,
	}
	if isGroupChat(msg.ChatID) {
		params["groupId"] = msg.ChatID
	} else {
		params["recipient"] = []string{msg.ChatID}
	}

	_, err := c.rpcCall(ctx, "send", params)
	return err
}

// sseLoop keeps an SSE connection to signal-cli alive, reconnecting on
// errors until the channel stops.
func (c *SignalChannel) sseLoop() {
	for {
		if err := c.connectSSE(); err != nil {
			logger.ErrorCF("signal", "SSE connection error", map[string]any{
				"error": err.Error(),
			})
		}

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(signalSSEReconnectDelay):
			logger.InfoC("signal", "Reconnecting SSE")
		}
	}
}

func (c *SignalChannel) connectSSE() error {
	url := c.config.CLIURL + "/api/v1/events"

	req, err := http.NewRequestWithContext(c.ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create SSE request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// No client timeout: SSE connections stay open indefinitely.
	sseClient := &http.Client{Timeout: 0}
	resp, err := sseClient.Do(req)
	if err != nil {
		return fmt.Errorf("SSE connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("SSE returned status %d: %s", resp.StatusCode, string(body))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-c.ctx.Done():
			return nil
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		var event signalEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			logger.DebugCF("signal", "Failed to parse SSE event", map[string]any{
				"error": err.Error(),
			})
			continue
		}
		c.handleEvent(event)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("SSE stream error: %w", err)
	}
	return fmt.Errorf("SSE stream ended")
}

func (c *SignalChannel) handleEvent(event signalEvent) {
	dm := event.Envelope.DataMessage
	if dm == nil || dm.Message == "" {
		return
	}

	sender := event.Envelope.SourceNumber
	if sender == "" {
		sender = event.Envelope.Source
	}
	if sender == "" {
		return
	}

	chatID := sender
	if dm.GroupInfo != nil {
		chatID = dm.GroupInfo.GroupID
	}

	ok, prompt := c.Accept(sender)
	if !ok {
		if prompt != "" {
			ctx, cancel := context.WithTimeout(c.ctx, sendPromptTimeout)
			defer cancel()
			if err := c.Send(ctx, bus.OutboundMessage{ChatID: chatID, Content: prompt}); err != nil {
				logger.ErrorCF("signal", "Failed to send pairing prompt", map[string]any{
					"error": err.Error(),
				})
			}
		}
		return
	}

	metadata := map[string]string{}
	if event.Envelope.SourceName != "" {
		metadata["source_name"] = event.Envelope.SourceName
	}

	c.publishInbound(bus.InboundMessage{
		Channel:    "signal",
		SenderID:   sender,
		ChatID:     chatID,
		Content:    dm.Message,
		SessionKey: "signal:" + chatID,
		Metadata:   metadata,
	})
}

func (c *SignalChannel) rpcCall(ctx context.Context, method string, params any) (*jsonRPCResponse, error) {
	req := jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		ID:      1,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal RPC request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.config.CLIURL+"/api/v1/rpc", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create RPC request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("RPC request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read RPC response: %w", err)
	}

	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to parse RPC response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("RPC error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return &rpcResp, nil
}

// Signal group IDs are base64 and long; phone numbers start with +.
func isGroupChat(chatID string) bool {
	return !strings.HasPrefix(chatID, "+") && len(chatID) > 20
}
