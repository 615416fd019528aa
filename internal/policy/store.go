package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/focus_guard/internal/domain"
)

// DirStore implements domain.PolicyStore over a modes directory.
// Loaded policies are cached; Watch invalidates the cache on file
// changes so edits take effect at the next activation, never mid-session
// (active sessions hold their own policy snapshot).
type DirStore struct {
	dir    string
	logger *zap.Logger

	mu      sync.Mutex
	cache   []domain.Policy
	cacheOK bool
	lastErr error
}

// NewDirStore creates a policy store for the given modes directory.
func NewDirStore(dir string, logger *zap.Logger) *DirStore {
	return &DirStore{dir: dir, logger: logger}
}

// Reload forces the next read to hit the filesystem.
func (s *DirStore) Reload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheOK = false
}

// load returns the cached policy set, reading the directory if needed.
func (s *DirStore) load() ([]domain.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cacheOK {
		return s.cache, s.lastErr
	}
	policies, err := LoadDir(s.dir)
	s.cache = policies
	s.lastErr = err
	s.cacheOK = true
	if err != nil {
		s.logger.Warn("policy load failed", zap.String("dir", s.dir), zap.Error(err))
	}
	return policies, err
}

// GetAll returns all valid policies (empty on load error).
func (s *DirStore) GetAll() []domain.Policy {
	policies, _ := s.load()
	return policies
}

// GetByID returns the policy for a specific mode.
func (s *DirStore) GetByID(id string) (*domain.Policy, error) {
	policies, err := s.load()
	if err != nil {
		return nil, err
	}
	for i := range policies {
		if policies[i].ID == id {
			p := policies[i]
			return &p, nil
		}
	}
	return nil, fmt.Errorf("policy not found: %s", id)
}

// List returns IDs of all known modes.
func (s *DirStore) List() []string {
	policies, _ := s.load()
	ids := make([]string, 0, len(policies))
	for _, p := range policies {
		ids = append(ids, p.ID)
	}
	return ids
}

// Watch invalidates the cache whenever a policy document changes.
// Blocks until ctx is cancelled. Watch failures are logged and the store
// degrades to serving its current cache.
func (s *DirStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(s.dir); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(ev.Name))
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				s.logger.Debug("policy document changed, invalidating cache",
					zap.String("file", filepath.Base(ev.Name)))
				s.Reload()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("policy watcher error", zap.Error(err))
		}
	}
}

// Ensure DirStore implements domain.PolicyStore.
var _ domain.PolicyStore = (*DirStore)(nil)
