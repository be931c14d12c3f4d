package channels

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/helixlabs/helix/pkg/bus"
	"github.com/helixlabs/helix/pkg/config"
	"github.com/helixlabs/helix/pkg/devices"
	"github.com/helixlabs/helix/pkg/logger"
)

const slackMaxMessageLength = 40000

func init() {
	RegisterFactory("slack", func(cfg *config.Config, b *bus.MessageBus, gate *devices.Gate) (Channel, error) {
		return NewSlackChannel(cfg.Channels.Slack, b, gate)
	})
}

// SlackChannel uses Socket Mode, so no public HTTP endpoint is needed.
type SlackChannel struct {
	*BaseChannel
	api    *slack.Client
	socket *socketmode.Client
	config config.SlackConfig
}

func NewSlackChannel(cfg config.SlackConfig, b *bus.MessageBus, gate *devices.Gate) (*SlackChannel, error) {
	api := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	return &SlackChannel{
		BaseChannel: NewBaseChannel("slack", b, cfg.Policy, cfg.AllowFrom, gate),
		api:         api,
		socket:      socketmode.New(api),
		config:      cfg,
	}, nil
}

func (c *SlackChannel) MaxMessageLength() int { return slackMaxMessageLength }

func (c *SlackChannel) Start(ctx context.Context) error {
	if _, err := c.api.AuthTestContext(ctx); err != nil {
		return fmt.Errorf("slack auth test failed: %w", err)
	}

	go c.eventLoop(ctx)
	go func() {
		if err := c.socket.RunContext(ctx); err != nil && ctx.Err() == nil {
			logger.ErrorCF("slack", "Socket mode terminated", map[string]any{
				"error": err.Error(),
			})
		}
		c.setRunning(false)
	}()

	c.setRunning(true)
	logger.InfoC("slack", "Slack channel connected (socket mode)")
	return nil
}

func (c *SlackChannel) Stop(ctx context.Context) error {
	c.setRunning(false)
	return nil
}

func (c *SlackChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("slack channel not running")
	}
	_, _, err := c.api.PostMessageContext(ctx, msg.ChatID,
		slack.MsgOptionText(msg.Content, false))
	return err
}

func (c *SlackChannel) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.socket.Events:
			if !ok {
				return
			}
			if evt.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok {
				continue
			}
			if evt.Request != nil {
				c.socket.Ack(*evt.Request)
			}
			if ev, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent); ok {
				c.handleMessage(ctx, ev)
			}
		}
	}
}

func (c *SlackChannel) handleMessage(ctx context.Context, ev *slackevents.MessageEvent) {
	// Skip bot echoes and edits.
	if ev.BotID != "" || ev.SubType != "" || ev.Text == "" {
		return
	}

	ok, prompt := c.Accept(ev.User)
	if !ok {
		if prompt != "" {
			if _, _, err := c.api.PostMessageContext(ctx, ev.Channel,
				slack.MsgOptionText(prompt, false)); err != nil {
				logger.ErrorCF("slack", "Failed to send pairing prompt", map[string]any{
					"error": err.Error(),
				})
			}
		}
		return
	}

	c.publishInbound(bus.InboundMessage{
		Channel:    "slack",
		SenderID:   ev.User,
		ChatID:     ev.Channel,
		Content:    ev.Text,
		SessionKey: "slack:" + ev.Channel,
	})
}
