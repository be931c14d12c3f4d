package channels

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/helixlabs/helix/pkg/bus"
	"github.com/helixlabs/helix/pkg/config"
	"github.com/helixlabs/helix/pkg/devices"
	"github.com/helixlabs/helix/pkg/logger"
)

const discordMaxMessageLength = 2000

func init() {
	RegisterFactory("discord", func(cfg *config.Config, b *bus.MessageBus, gate *devices.Gate) (Channel, error) {
		return NewDiscordChannel(cfg.Channels.Discord, b, gate)
	})
}

type DiscordChannel struct {
	*BaseChannel
	session *discordgo.Session
	config  config.DiscordConfig
}

func NewDiscordChannel(cfg config.DiscordConfig, b *bus.MessageBus, gate *devices.Gate) (*DiscordChannel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	return &DiscordChannel{
		BaseChannel: NewBaseChannel("discord", b, cfg.Policy, cfg.AllowFrom, gate),
		session:     session,
		config:      cfg,
	}, nil
}

func (c *DiscordChannel) MaxMessageLength() int { return discordMaxMessageLength }

func (c *DiscordChannel) Start(ctx context.Context) error {
	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord gateway: %w", err)
	}

	c.setRunning(true)
	logger.InfoCF("discord", "Discord bot connected", map[string]any{
		"username": c.session.State.User.Username,
	})
	return nil
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	c.setRunning(false)
	return c.session.Close()
}

func (c *DiscordChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord session not running")
	}
	_, err := c.session.ChannelMessageSend(msg.ChatID, msg.Content)
	return err
}

func (c *DiscordChannel) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if m.Content == "" {
		return
	}

	ok, prompt := c.Accept(m.Author.ID)
	if !ok {
		if prompt != "" {
			if _, err := s.ChannelMessageSend(m.ChannelID, prompt); err != nil {
				logger.ErrorCF("discord", "Failed to send pairing prompt", map[string]any{
					"error": err.Error(),
				})
			}
		}
		return
	}

	c.publishInbound(bus.InboundMessage{
		Channel:    "discord",
		SenderID:   m.Author.ID,
		ChatID:     m.ChannelID,
		Content:    m.Content,
		SessionKey: "discord:" + m.ChannelID,
		Metadata:   map[string]string{"username": m.Author.Username},
	})
}
