// Package devices tracks paired gateway clients and the pairing codes that
// admit unknown channel senders.
package devices

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helixlabs/helix/pkg/bus"
	"github.com/helixlabs/helix/pkg/logger"
)

// Device is an approved client. PublicKey is recorded but not yet verified.
type Device struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Platform   string    `json:"platform,omitempty"`
	PublicKey  string    `json:"public_key,omitempty"`
	Scopes     []string  `json:"scopes"`
	Channel    string    `json:"channel,omitempty"`
	Sender     string    `json:"sender,omitempty"`
	ApprovedAt time.Time `json:"approved_at"`
	LastSeen   time.Time `json:"last_seen,omitempty"`
}

// PendingDevice is a client awaiting admin approval. It holds no scopes.
type PendingDevice struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Platform    string    `json:"platform,omitempty"`
	PublicKey   string    `json:"public_key,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

type registryState struct {
	Pending  []PendingDevice `json:"pending"`
	Approved []Device        `json:"approved"`
}

// Registry is the persistent device store. Writes are serialized by the
// mutex; readers get copies, never internal slices.
type Registry struct {
	mu     sync.Mutex
	path   string
	broker *bus.Broker
	state  registryState

	defaultScopes []string
}

func NewRegistry(path string, broker *bus.Broker, defaultScopes []string) (*Registry, error) {
	r := &Registry{
		path:          path,
		broker:        broker,
		defaultScopes: append([]string(nil), defaultScopes...),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// Resolve returns the approved device for an ID, or nil.
func (r *Registry) Resolve(id string) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.state.Approved {
		if r.state.Approved[i].ID == id {
			d := r.state.Approved[i]
			return &d
		}
	}
	return nil
}

// ResolveSender returns the approved device bound to a channel sender, or nil.
func (r *Registry) ResolveSender(channel, sender string) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.state.Approved {
		if r.state.Approved[i].Channel == channel && r.state.Approved[i].Sender == sender {
			d := r.state.Approved[i]
			return &d
		}
	}
	return nil
}

// RequestPairing records an unknown gateway client as pending. Re-requests
// from the same ID refresh the metadata instead of duplicating the entry.
func (r *Registry) RequestPairing(id, name, platform, publicKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.state.Pending {
		if r.state.Pending[i].ID == id {
			r.state.Pending[i].Name = name
			r.state.Pending[i].Platform = platform
			r.state.Pending[i].PublicKey = publicKey
			r.saveLocked()
			return
		}
	}
	r.state.Pending = append(r.state.Pending, PendingDevice{
		ID:          id,
		Name:        name,
		Platform:    platform,
		PublicKey:   publicKey,
		RequestedAt: time.Now().UTC(),
	})
	r.saveLocked()
	if r.broker != nil {
		r.broker.PublishCritical(bus.EventPairRequested, map[string]any{
			"deviceId": id,
			"name":     name,
		})
	}
}

// ListPending returns pending devices sorted by request time.
func (r *Registry) ListPending() []PendingDevice {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]PendingDevice(nil), r.state.Pending...)
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out
}

// ListApproved returns approved devices sorted by approval time.
func (r *Registry) ListApproved() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]Device(nil), r.state.Approved...)
	sort.Slice(out, func(i, j int) bool { return out[i].ApprovedAt.Before(out[j].ApprovedAt) })
	return out
}

// Approve promotes a pending device with the default scope set.
func (r *Registry) Approve(id string) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := -1
	for i := range r.state.Pending {
		if r.state.Pending[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("no pending device %q", id)
	}

	p := r.state.Pending[idx]
	r.state.Pending = append(r.state.Pending[:idx], r.state.Pending[idx+1:]...)

	dev := Device{
		ID:         p.ID,
		Name:       p.Name,
		Platform:   p.Platform,
		PublicKey:  p.PublicKey,
		Scopes:     append([]string(nil), r.defaultScopes...),
		ApprovedAt: time.Now().UTC(),
	}
	r.state.Approved = append(r.state.Approved, dev)
	r.saveLocked()

	logger.InfoCF("devices", "Device approved", map[string]any{"deviceId": dev.ID, "name": dev.Name})
	if r.broker != nil {
		r.broker.PublishCritical(bus.EventDeviceApproved, map[string]any{"deviceId": dev.ID})
	}
	return &dev, nil
}

// Reject discards a pending device.
func (r *Registry) Reject(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.state.Pending {
		if r.state.Pending[i].ID == id {
			r.state.Pending = append(r.state.Pending[:i], r.state.Pending[i+1:]...)
			r.saveLocked()
			return nil
		}
	}
	return fmt.Errorf("no pending device %q", id)
}

// Revoke removes an approved device. The gateway watches device:revoked to
// close any sessions still referencing it.
func (r *Registry) Revoke(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.state.Approved {
		if r.state.Approved[i].ID == id {
			r.state.Approved = append(r.state.Approved[:i], r.state.Approved[i+1:]...)
			r.saveLocked()
			logger.InfoCF("devices", "Device revoked", map[string]any{"deviceId": id})
			if r.broker != nil {
				r.broker.PublishCritical(bus.EventDeviceRevoked, map[string]any{"deviceId": id})
			}
			return nil
		}
	}
	return fmt.Errorf("no approved device %q", id)
}

// BindSender creates an approved device for a channel sender after pairing.
func (r *Registry) BindSender(channel, sender string) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev := Device{
		ID:         uuid.NewString(),
		Name:       fmt.Sprintf("%s:%s", channel, sender),
		Scopes:     append([]string(nil), r.defaultScopes...),
		Channel:    channel,
		Sender:     sender,
		ApprovedAt: time.Now().UTC(),
	}
	r.state.Approved = append(r.state.Approved, dev)
	r.saveLocked()

	if r.broker != nil {
		r.broker.PublishCritical(bus.EventPairApproved, map[string]any{
			"channel": channel,
			"sender":  sender,
		})
	}
	return &dev
}

// EnsureDevice creates an approved device with the given scopes if the id is
// unknown, skipping the pairing queue. The CLI uses it to provision the local
// admin identity on startup. Idempotent; an existing device is returned as is.
func (r *Registry) EnsureDevice(id, name string, scopes []string) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.state.Approved {
		if r.state.Approved[i].ID == id {
			dev := r.state.Approved[i]
			return &dev
		}
	}

	dev := Device{
		ID:         id,
		Name:       name,
		Scopes:     append([]string(nil), scopes...),
		ApprovedAt: time.Now().UTC(),
	}
	r.state.Approved = append(r.state.Approved, dev)
	r.saveLocked()
	logger.InfoCF("devices", "Device provisioned", map[string]any{"deviceId": id, "name": name})
	return &dev
}

// Touch updates a device's last-seen timestamp without persisting on every
// call; stale values are acceptable until the next structural write.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.state.Approved {
		if r.state.Approved[i].ID == id {
			r.state.Approved[i].LastSeen = time.Now().UTC()
			return
		}
	}
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading device registry: %w", err)
	}
	if err := json.Unmarshal(data, &r.state); err != nil {
		return fmt.Errorf("parsing device registry: %w", err)
	}
	return nil
}

func (r *Registry) saveLocked() {
	data, err := json.MarshalIndent(&r.state, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o700); err != nil {
		logger.WarnCF("devices", "Failed to create registry directory", map[string]any{"error": err.Error()})
		return
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		logger.WarnCF("devices", "Failed to write device registry", map[string]any{"error": err.Error()})
		return
	}
	if err := os.Rename(tmp, r.path); err != nil {
		logger.WarnCF("devices", "Failed to replace device registry", map[string]any{"error": err.Error()})
	}
}
