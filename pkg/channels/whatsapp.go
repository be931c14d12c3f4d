package channels

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	_ "modernc.org/sqlite"

	"github.com/helixlabs/helix/pkg/bus"
	"github.com/helixlabs/helix/pkg/config"
	"github.com/helixlabs/helix/pkg/devices"
	"github.com/helixlabs/helix/pkg/logger"
)

const whatsappMaxMessageLength = 4096

func init() {
	RegisterFactory("whatsapp", func(cfg *config.Config, b *bus.MessageBus, gate *devices.Gate) (Channel, error) {
		return NewWhatsAppChannel(cfg.Channels.WhatsApp, b, gate)
	})
}

// WhatsAppChannel speaks the multidevice protocol directly through
// whatsmeow; the session lives in a local SQLite store.
type WhatsAppChannel struct {
	*BaseChannel
	client    *whatsmeow.Client
	config    config.WhatsAppConfig
	container *sqlstore.Container
	mu        sync.Mutex
	cancel    context.CancelFunc
}

func NewWhatsAppChannel(cfg config.WhatsAppConfig, b *bus.MessageBus, gate *devices.Gate) (*WhatsAppChannel, error) {
	return &WhatsAppChannel{
		BaseChannel: NewBaseChannel("whatsapp", b, cfg.Policy, cfg.AllowFrom, gate),
		config:      cfg,
	}, nil
}

func (c *WhatsAppChannel) MaxMessageLength() int { return whatsappMaxMessageLength }

func openSessionStore(ctx context.Context, dbPath string) (*sqlstore.Container, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", dbPath)
	return sqlstore.New(ctx, "sqlite", dsn, waLog.Noop)
}

func (c *WhatsAppChannel) Start(ctx context.Context) error {
	container, err := openSessionStore(ctx, expandHomePath(c.config.DBPath))
	if err != nil {
		return fmt.Errorf("failed to open whatsapp session store: %w", err)
	}
	c.container = container

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("failed to get device: %w", err)
	}
	if deviceStore.ID == nil {
		return fmt.Errorf("no linked WhatsApp device found; run 'helix whatsapp link' first")
	}

	client := whatsmeow.NewClient(deviceStore, waLog.Noop)
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	client.AddEventHandler(c.eventHandler)
	if err := client.Connect(); err != nil {
		return fmt.Errorf("failed to connect whatsapp: %w", err)
	}

	_, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.setRunning(true)
	logger.InfoC("whatsapp", "WhatsApp channel connected")
	return nil
}

func (c *WhatsAppChannel) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.Disconnect()
		c.client = nil
	}
	c.setRunning(false)
	return nil
}

func (c *WhatsAppChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	if client == nil {
		return fmt.Errorf("whatsapp client not connected")
	}

	jid, err := types.ParseJID(msg.ChatID)
	if err != nil {
		return fmt.Errorf("invalid chat ID %q: %w", msg.ChatID, err)
	}

	content := msg.Content
	_, err = client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: &content,
	})
	return err
}

func (c *WhatsAppChannel) eventHandler(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		c.handleIncomingMessage(v)
	case *events.Connected:
		logger.InfoC("whatsapp", "WhatsApp connected")
	case *events.Disconnected:
		logger.WarnC("whatsapp", "WhatsApp disconnected")
	case *events.LoggedOut:
		logger.ErrorCF("whatsapp", "WhatsApp logged out", map[string]any{
			"reason": v.Reason,
		})
		c.setRunning(false)
	}
}

func (c *WhatsAppChannel) handleIncomingMessage(msg *events.Message) {
	if msg.Info.Chat.User == "status" || msg.Info.IsFromMe {
		return
	}

	sender := msg.Info.Sender.User
	chatID := msg.Info.Chat.String()

	content := msg.Message.GetConversation()
	if content == "" && msg.Message.GetExtendedTextMessage() != nil {
		content = msg.Message.GetExtendedTextMessage().GetText()
	}
	if content == "" {
		return
	}

	ok, prompt := c.Accept(sender)
	if !ok {
		if prompt != "" {
			ctx, cancel := context.WithTimeout(context.Background(), sendPromptTimeout)
			defer cancel()
			if err := c.Send(ctx, bus.OutboundMessage{ChatID: chatID, Content: prompt}); err != nil {
				logger.ErrorCF("whatsapp", "Failed to send pairing prompt", map[string]any{
					"error": err.Error(),
				})
			}
		}
		return
	}

	metadata := map[string]string{"message_id": msg.Info.ID}
	if msg.Info.PushName != "" {
		metadata["push_name"] = msg.Info.PushName
	}

	c.publishInbound(bus.InboundMessage{
		Channel:    "whatsapp",
		SenderID:   sender,
		ChatID:     chatID,
		Content:    content,
		SessionKey: "whatsapp:" + chatID,
		Metadata:   metadata,
	})
}

func expandHomePath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}
