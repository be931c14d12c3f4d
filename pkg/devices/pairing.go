package devices

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"
)

// codeAlphabet is the 32-symbol pairing alphabet: A-Z and 2-9 with the
// ambiguous 0, O, 1, I removed.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	codeLength        = 8
	maxPendingCodes   = 3
	defaultCodeExpiry = time.Hour
)

var (
	ErrUnknownCode = errors.New("unknown pairing code")
	ErrExpiredCode = errors.New("pairing code expired")
)

// PairingCode binds an unknown channel sender to a short-lived token.
type PairingCode struct {
	Code     string    `json:"code"`
	Channel  string    `json:"channel"`
	Sender   string    `json:"sender"`
	IssuedAt time.Time `json:"issued_at"`
}

type pendingCode struct {
	PairingCode
	issued time.Time // monotonic reading for expiry
}

// CodeStore issues and redeems pairing codes. The mutex is held only for the
// alphabet draw and the dedup check.
type CodeStore struct {
	mu      sync.Mutex
	pending map[string][]*pendingCode // keyed by channel, oldest first
	expiry  time.Duration
}

func NewCodeStore(expiry time.Duration) *CodeStore {
	if expiry <= 0 {
		expiry = defaultCodeExpiry
	}
	return &CodeStore{
		pending: make(map[string][]*pendingCode),
		expiry:  expiry,
	}
}

// Issue returns a pairing code for the sender. A sender with a live pending
// code gets the same code back. At most three codes stay pending per channel;
// the oldest surplus is revoked.
func (cs *CodeStore) Issue(channel, sender string) (string, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.purgeExpiredLocked(channel)

	for _, pc := range cs.pending[channel] {
		if pc.Sender == sender {
			return pc.Code, nil
		}
	}

	code, err := cs.drawLocked(channel)
	if err != nil {
		return "", err
	}

	now := time.Now()
	cs.pending[channel] = append(cs.pending[channel], &pendingCode{
		PairingCode: PairingCode{
			Code:     code,
			Channel:  channel,
			Sender:   sender,
			IssuedAt: now.UTC(),
		},
		issued: now,
	})
	if len(cs.pending[channel]) > maxPendingCodes {
		cs.pending[channel] = cs.pending[channel][len(cs.pending[channel])-maxPendingCodes:]
	}
	return code, nil
}

// Redeem consumes a code and returns the sender it was issued to.
func (cs *CodeStore) Redeem(channel, code string) (string, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	for i, pc := range cs.pending[channel] {
		if pc.Code != code {
			continue
		}
		if time.Since(pc.issued) > cs.expiry {
			cs.pending[channel] = append(cs.pending[channel][:i], cs.pending[channel][i+1:]...)
			return "", fmt.Errorf("%w: %s", ErrExpiredCode, code)
		}
		sender := pc.Sender
		cs.pending[channel] = append(cs.pending[channel][:i], cs.pending[channel][i+1:]...)
		return sender, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownCode, code)
}

// List returns the live pending codes for a channel, oldest first.
func (cs *CodeStore) List(channel string) []PairingCode {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.purgeExpiredLocked(channel)
	out := make([]PairingCode, 0, len(cs.pending[channel]))
	for _, pc := range cs.pending[channel] {
		out = append(out, pc.PairingCode)
	}
	return out
}

// drawLocked rejection-samples until the code is unique among the channel's
// pending codes.
func (cs *CodeStore) drawLocked(channel string) (string, error) {
	for attempt := 0; attempt < 100; attempt++ {
		buf := make([]byte, codeLength)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("drawing pairing code: %w", err)
		}
		for i := range buf {
			buf[i] = codeAlphabet[int(buf[i])%len(codeAlphabet)]
		}
		code := string(buf)

		clash := false
		for _, pc := range cs.pending[channel] {
			if pc.Code == code {
				clash = true
				break
			}
		}
		if !clash {
			return code, nil
		}
	}
	return "", errors.New("pairing code space exhausted")
}

func (cs *CodeStore) purgeExpiredLocked(channel string) {
	live := cs.pending[channel][:0]
	for _, pc := range cs.pending[channel] {
		if time.Since(pc.issued) <= cs.expiry {
			live = append(live, pc)
		}
	}
	if len(live) == 0 {
		delete(cs.pending, channel)
		return
	}
	cs.pending[channel] = live
}
