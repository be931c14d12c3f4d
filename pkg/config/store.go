package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/helixlabs/helix/pkg/logger"
	"github.com/helixlabs/helix/pkg/redaction"
)

// ErrPathNotFound is returned by Get for a path with no value.
var ErrPathNotFound = errors.New("config path not found")

// Diff is the structural difference published after a patch. Paths only,
// never values, so secrets cannot leak through change events.
type Diff struct {
	Added    []string `json:"added,omitempty"`
	Modified []string `json:"modified,omitempty"`
	Removed  []string `json:"removed,omitempty"`
}

// Empty reports whether the diff carries no changes.
func (d *Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Removed) == 0
}

// ChangeListener is invoked after every applied change with the new snapshot
// and the structural diff. Called from the writer task; must not block.
type ChangeListener func(cfg *Config, diff *Diff)

type patchRequest struct {
	path  string
	value any
	reply chan patchResult
}

type patchResult struct {
	diff *Diff
	err  error
}

// Store owns the persisted configuration tree. All writes flow through a
// single writer task; readers get immutable snapshots.
type Store struct {
	path        string
	journalPath string

	current  atomic.Pointer[Config]        // typed snapshot
	tree     atomic.Pointer[map[string]any] // generic view for path addressing
	patches  chan patchRequest
	reloads  chan struct{}
	done     chan struct{}
	listener atomic.Pointer[ChangeListener]
	watcher  *fsnotify.Watcher
}

// NewStore loads the config file (or defaults) and starts the writer task.
func NewStore(paths RuntimePaths) (*Store, error) {
	cfg, err := LoadConfig(paths.ConfigPath)
	if err != nil {
		return nil, err
	}

	s := &Store{
		path:        paths.ConfigPath,
		journalPath: paths.JournalPath,
		patches:     make(chan patchRequest),
		reloads:     make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	s.current.Store(cfg)

	tree, err := toTree(cfg)
	if err != nil {
		return nil, err
	}
	s.tree.Store(&tree)

	go s.writerLoop()
	return s, nil
}

// Snapshot returns the current immutable config. Callers must not mutate it.
func (s *Store) Snapshot() *Config {
	return s.current.Load()
}

// OnChange registers the change listener. Only one listener is supported;
// fan-out belongs to the event bus.
func (s *Store) OnChange(fn ChangeListener) {
	s.listener.Store(&fn)
}

// Get returns the subtree value at a dotted, case-sensitive path.
// The empty path returns the whole tree.
func (s *Store) Get(path string) (any, error) {
	tree := *s.tree.Load()
	if path == "" {
		return tree, nil
	}

	var node any = map[string]any(tree)
	for _, seg := range strings.Split(path, ".") {
		m, ok := node.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path)
		}
		node, ok = m[seg]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrPathNotFound, path)
		}
	}
	return node, nil
}

// Patch merges value into the tree at path. Keys mapped to JSON null are
// deleted. The call returns once the write is journaled and persisted.
func (s *Store) Patch(path string, value any) (*Diff, error) {
	req := patchRequest{path: path, value: value, reply: make(chan patchResult, 1)}
	select {
	case s.patches <- req:
	case <-s.done:
		return nil, errors.New("config store closed")
	}
	res := <-req.reply
	return res.diff, res.err
}

// WatchFile starts folding external edits of the config file into the store
// through the same writer path, so watchers see the same diff events.
func (s *Store) WatchFile() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	s.watcher = w

	go func() {
		var debounce *time.Timer
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name != s.path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(200*time.Millisecond, func() {
					select {
					case s.reloads <- struct{}{}:
					default:
					}
				})
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.WarnCF("config", "Watcher error", map[string]any{"error": err.Error()})
			case <-s.done:
				return
			}
		}
	}()
	return nil
}

// Close stops the writer task and the file watcher.
func (s *Store) Close() {
	close(s.done)
	if s.watcher != nil {
		s.watcher.Close()
	}
}

func (s *Store) writerLoop() {
	for {
		select {
		case req := <-s.patches:
			diff, err := s.applyPatch(req.path, req.value)
			req.reply <- patchResult{diff: diff, err: err}
		case <-s.reloads:
			s.applyReload()
		case <-s.done:
			return
		}
	}
}

func (s *Store) applyPatch(path string, value any) (*Diff, error) {
	oldTree := *s.tree.Load()
	newTree := deepCopyTree(oldTree)

	if err := mergeAtPath(newTree, path, value); err != nil {
		return nil, err
	}

	cfg, err := fromTree(newTree)
	if err != nil {
		return nil, fmt.Errorf("patch produced invalid config: %w", err)
	}

	if err := SaveConfig(s.path, cfg); err != nil {
		return nil, err
	}
	s.appendJournal(path, value)

	// Re-derive the tree from the typed config so unknown keys are dropped
	// consistently with what was persisted.
	persisted, err := toTree(cfg)
	if err != nil {
		return nil, err
	}

	diff := diffTrees(oldTree, persisted, "")
	s.tree.Store(&persisted)
	s.current.Store(cfg)
	s.notify(cfg, diff)
	return diff, nil
}

func (s *Store) applyReload() {
	oldTree := *s.tree.Load()

	cfg, err := LoadConfig(s.path)
	if err != nil {
		logger.WarnCF("config", "Ignoring unreadable config file edit", map[string]any{"error": err.Error()})
		return
	}
	newTree, err := toTree(cfg)
	if err != nil {
		return
	}

	diff := diffTrees(oldTree, newTree, "")
	if diff.Empty() {
		return
	}

	s.tree.Store(&newTree)
	s.current.Store(cfg)
	logger.InfoCF("config", "Reloaded config after external edit", map[string]any{
		"added": len(diff.Added), "modified": len(diff.Modified), "removed": len(diff.Removed),
	})
	s.notify(cfg, diff)
}

func (s *Store) notify(cfg *Config, diff *Diff) {
	if fn := s.listener.Load(); fn != nil && !diff.Empty() {
		(*fn)(cfg, diff)
	}
}

// appendJournal records the write. Values pass through redaction so a
// credential accidentally patched into the tree does not persist in clear
// text in the journal.
func (s *Store) appendJournal(path string, value any) {
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"path":  path,
		"value": redactValue(value),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	f, err := os.OpenFile(s.journalPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		logger.WarnCF("config", "Failed to open config journal", map[string]any{"error": err.Error()})
		return
	}
	defer f.Close()
	f.Write(append(data, '\n'))
}

func redactValue(value any) any {
	m, ok := value.(map[string]any)
	if !ok {
		if s, ok := value.(string); ok {
			return redaction.Redact(s)
		}
		return value
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if redaction.IsSecretField(k) {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func toTree(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("failed to build config tree: %w", err)
	}
	return tree, nil
}

func fromTree(tree map[string]any) (*Config, error) {
	data, err := json.Marshal(tree)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func deepCopyTree(tree map[string]any) map[string]any {
	out := make(map[string]any, len(tree))
	for k, v := range tree {
		if m, ok := v.(map[string]any); ok {
			out[k] = deepCopyTree(m)
			continue
		}
		out[k] = v
	}
	return out
}

// mergeAtPath walks to the parent of path, creating intermediate maps, then
// merges value at the final segment. Paths are case-sensitive.
func mergeAtPath(tree map[string]any, path string, value any) error {
	if path == "" {
		vm, ok := value.(map[string]any)
		if !ok {
			return errors.New("root patch value must be an object")
		}
		mergeMaps(tree, vm)
		return nil
	}

	segs := strings.Split(path, ".")
	node := tree
	for _, seg := range segs[:len(segs)-1] {
		child, ok := node[seg].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[seg] = child
		}
		node = child
	}

	leaf := segs[len(segs)-1]
	if value == nil {
		delete(node, leaf)
		return nil
	}
	if vm, ok := value.(map[string]any); ok {
		existing, ok := node[leaf].(map[string]any)
		if !ok {
			existing = make(map[string]any)
			node[leaf] = existing
		}
		mergeMaps(existing, vm)
		return nil
	}
	node[leaf] = value
	return nil
}

func mergeMaps(dst, src map[string]any) {
	for k, v := range src {
		if v == nil {
			delete(dst, k)
			continue
		}
		if vm, ok := v.(map[string]any); ok {
			existing, ok := dst[k].(map[string]any)
			if !ok {
				existing = make(map[string]any)
				dst[k] = existing
			}
			mergeMaps(existing, vm)
			continue
		}
		dst[k] = v
	}
}

// diffTrees returns leaf-level added/modified/removed paths between trees.
func diffTrees(old, new map[string]any, prefix string) *Diff {
	diff := &Diff{}
	collectDiff(old, new, prefix, diff)
	return diff
}

func collectDiff(old, new map[string]any, prefix string, diff *Diff) {
	for k, nv := range new {
		path := joinPath(prefix, k)
		ov, existed := old[k]
		if !existed {
			diff.Added = append(diff.Added, path)
			continue
		}
		om, oIsMap := ov.(map[string]any)
		nm, nIsMap := nv.(map[string]any)
		if oIsMap && nIsMap {
			collectDiff(om, nm, path, diff)
			continue
		}
		if !equalValue(ov, nv) {
			diff.Modified = append(diff.Modified, path)
		}
	}
	for k := range old {
		if _, ok := new[k]; !ok {
			diff.Removed = append(diff.Removed, joinPath(prefix, k))
		}
	}
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func equalValue(a, b any) bool {
	da, err1 := json.Marshal(a)
	db, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(da) == string(db)
}
