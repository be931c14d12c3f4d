package devices

import (
	"github.com/helixlabs/helix/pkg/bus"
)

// Gate authorizes channel senders and hands out pairing codes. Channel
// adapters ask the gate before any inbound message reaches the bus.
type Gate struct {
	reg    *Registry
	codes  *CodeStore
	broker *bus.Broker
}

func NewGate(reg *Registry, codes *CodeStore, broker *bus.Broker) *Gate {
	return &Gate{reg: reg, codes: codes, broker: broker}
}

// SenderApproved reports whether the sender has a paired device on the
// channel.
func (g *Gate) SenderApproved(channel, sender string) bool {
	return g.reg.ResolveSender(channel, sender) != nil
}

// IssueCode returns the sender's pending pairing code, minting one if
// needed. A freshly minted code raises pairing:requested.
func (g *Gate) IssueCode(channel, sender string) (string, error) {
	before := g.pendingFor(channel, sender)
	code, err := g.codes.Issue(channel, sender)
	if err != nil {
		return "", err
	}
	if code != before && g.broker != nil {
		g.broker.PublishCritical(bus.EventPairRequested, map[string]any{
			"channel": channel,
			"sender":  sender,
			"code":    code,
		})
	}
	return code, nil
}

// ApproveCode redeems a pairing code and binds its sender as an approved
// device on the channel.
func (g *Gate) ApproveCode(channel, code string) (*Device, error) {
	sender, err := g.codes.Redeem(channel, code)
	if err != nil {
		return nil, err
	}
	return g.reg.BindSender(channel, sender), nil
}

// PendingCodes lists live codes for the channel, oldest first.
func (g *Gate) PendingCodes(channel string) []PairingCode {
	return g.codes.List(channel)
}

func (g *Gate) pendingFor(channel, sender string) string {
	for _, pc := range g.codes.List(channel) {
		if pc.Sender == sender {
			return pc.Code
		}
	}
	return ""
}
