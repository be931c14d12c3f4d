// Package secrets holds credentials outside the config tree. Config values
// and gateway events reference secrets by name only; the values live in the
// OS keychain when one is available, otherwise in an encrypted file.
package secrets

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"

	"github.com/helixlabs/helix/pkg/logger"
)

const keyringService = "helix"

// ErrNotFound is returned when a named secret does not exist.
var ErrNotFound = errors.New("secret not found")

// Store resolves named secrets.
type Store interface {
	Set(name, value string) error
	Get(name string) (string, error)
	Delete(name string) error
	// List returns secret names only, sorted. Values are never enumerated.
	List() ([]string, error)
}

// Open returns a keychain-backed store when the OS keychain works, otherwise
// an encrypted-file store rooted at secretsPath.
func Open(secretsPath string) Store {
	kc := &keychainStore{}
	if kc.available() {
		return kc
	}
	logger.InfoC("secrets", "OS keychain unavailable, using encrypted file store")
	return &fileStore{
		path:    secretsPath,
		keyPath: filepath.Join(filepath.Dir(secretsPath), ".key"),
	}
}

// keychainStore keeps each secret as its own keyring entry, with a sidecar
// index entry so List can work without scanning the keychain.
type keychainStore struct {
	mu sync.Mutex
}

func (k *keychainStore) available() bool {
	const probe = "__helix_probe__"
	if err := keyring.Set(keyringService, probe, "ok"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, probe)
	return true
}

func (k *keychainStore) Set(name, value string) error {
	if err := validateName(name); err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := keyring.Set(keyringService, "secret_"+name, value); err != nil {
		return fmt.Errorf("storing in keychain: %w", err)
	}
	return k.updateIndex(func(names map[string]bool) { names[name] = true })
}

func (k *keychainStore) Get(name string) (string, error) {
	val, err := keyring.Get(keyringService, "secret_"+name)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return "", fmt.Errorf("retrieving from keychain: %w", err)
	}
	return val, nil
}

func (k *keychainStore) Delete(name string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := keyring.Delete(keyringService, "secret_"+name); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("deleting from keychain: %w", err)
	}
	return k.updateIndex(func(names map[string]bool) { delete(names, name) })
}

func (k *keychainStore) List() ([]string, error) {
	names, err := k.readIndex()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(names))
	for name := range names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (k *keychainStore) readIndex() (map[string]bool, error) {
	raw, err := keyring.Get(keyringService, "index")
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return map[string]bool{}, nil
		}
		return nil, err
	}
	names := map[string]bool{}
	for _, n := range strings.Split(raw, "\n") {
		if n != "" {
			names[n] = true
		}
	}
	return names, nil
}

func (k *keychainStore) updateIndex(mutate func(map[string]bool)) error {
	names, err := k.readIndex()
	if err != nil {
		return err
	}
	mutate(names)
	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)
	return keyring.Set(keyringService, "index", strings.Join(sorted, "\n"))
}

// fileStore keeps secrets in a JSON file of individually sealed values.
type fileStore struct {
	mu      sync.Mutex
	path    string
	keyPath string
	enc     *encryptor
}

func (f *fileStore) Set(name, value string) error {
	if err := validateName(name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		return err
	}
	sealed, err := f.encryptorLocked()
	if err != nil {
		return err
	}
	ev, err := sealed.seal([]byte(value))
	if err != nil {
		return err
	}
	values[name] = *ev
	return f.save(values)
}

func (f *fileStore) Get(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		return "", err
	}
	ev, ok := values[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	sealed, err := f.encryptorLocked()
	if err != nil {
		return "", err
	}
	plain, err := sealed.open(&ev)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func (f *fileStore) Delete(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := values[name]; !ok {
		return nil
	}
	delete(values, name)
	return f.save(values)
}

func (f *fileStore) List() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(values))
	for n := range values {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (f *fileStore) encryptorLocked() (*encryptor, error) {
	if f.enc == nil {
		enc, err := newEncryptor(f.keyPath)
		if err != nil {
			return nil, err
		}
		f.enc = enc
	}
	return f.enc, nil
}

func (f *fileStore) load() (map[string]encryptedValue, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]encryptedValue{}, nil
		}
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	values := map[string]encryptedValue{}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return values, nil
}

func (f *fileStore) save(values map[string]encryptedValue) error {
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing secrets file: %w", err)
	}
	return os.Rename(tmp, f.path)
}

func validateName(name string) error {
	if name == "" {
		return errors.New("secret name must not be empty")
	}
	for _, r := range name {
		if r == '\n' || r == '\r' {
			return errors.New("secret name must not contain newlines")
		}
	}
	return nil
}
