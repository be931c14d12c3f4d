package secrets

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newFileStore(t *testing.T) *fileStore {
	t.Helper()
	dir := t.TempDir()
	return &fileStore{
		path:    filepath.Join(dir, "secrets.json"),
		keyPath: filepath.Join(dir, ".key"),
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	store := newFileStore(t)

	if err := store.Set("telegram_bot_token", "123456:abcdef"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := store.Get("telegram_bot_token")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "123456:abcdef" {
		t.Errorf("got %q", got)
	}
}

func TestFileStoreGetMissing(t *testing.T) {
	store := newFileStore(t)
	if _, err := store.Get("nope"); err == nil {
		t.Error("expected not-found error")
	}
}

func TestFileStoreValuesNotInClearText(t *testing.T) {
	store := newFileStore(t)
	if err := store.Set("api_key", "sk-very-secret-value"); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(store.path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "sk-very-secret-value") {
		t.Error("secrets file contains clear-text value")
	}

	info, err := os.Stat(store.path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("secrets file mode %o", perm)
	}
}

func TestFileStoreListNamesOnly(t *testing.T) {
	store := newFileStore(t)
	for _, n := range []string{"b_secret", "a_secret"} {
		if err := store.Set(n, "value"); err != nil {
			t.Fatal(err)
		}
	}

	names, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "a_secret" || names[1] != "b_secret" {
		t.Errorf("unexpected list %v", names)
	}
}

func TestFileStoreDelete(t *testing.T) {
	store := newFileStore(t)
	if err := store.Set("gone", "soon"); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete("gone"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get("gone"); err == nil {
		t.Error("deleted secret still readable")
	}
	// Deleting a missing secret is not an error.
	if err := store.Delete("gone"); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func TestValidateName(t *testing.T) {
	if err := validateName(""); err == nil {
		t.Error("empty name accepted")
	}
	if err := validateName("has\nnewline"); err == nil {
		t.Error("newline accepted")
	}
	if err := validateName("openai_api_key"); err != nil {
		t.Errorf("valid name rejected: %v", err)
	}
}
