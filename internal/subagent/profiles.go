package subagent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/fentz26/fleet/internal/models"
)

// Profile is a behavioral and resource class of subagent runs.
type Profile struct {
	ID             string               `yaml:"id" json:"id"`
	MaxConcurrent  int                  `yaml:"max_concurrent" json:"max_concurrent"`
	Mode           string               `yaml:"mode" json:"mode"`
	DefaultModel   string               `yaml:"default_model" json:"default_model,omitempty"`
	DefaultTimeout time.Duration        `yaml:"default_timeout" json:"default_timeout"`
	Cleanup        models.CleanupPolicy `yaml:"cleanup" json:"cleanup"`
}

type profileFile struct {
	Profiles []Profile `yaml:"profiles"`
}

const defaultProfileTimeout = 10 * time.Minute

// MaxRunTimeout bounds every run timeout, requested or from a profile.
const MaxRunTimeout = 7 * 24 * time.Hour

// DefaultProfiles is used when no profile file is configured.
func DefaultProfiles() map[string]Profile {
	return map[string]Profile{
		"default": {
			ID:             "default",
			MaxConcurrent:  2,
			Mode:           "localexec",
			DefaultTimeout: defaultProfileTimeout,
			Cleanup:        models.CleanupRetain,
		},
	}
}

// ParseProfiles decodes and validates a profile file.
func ParseProfiles(data []byte) (map[string]Profile, error) {
	var pf profileFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}
	if len(pf.Profiles) == 0 {
		return nil, fmt.Errorf("parse profiles: no profiles defined")
	}

	profiles := make(map[string]Profile, len(pf.Profiles))
	for i, p := range pf.Profiles {
		if p.ID == "" {
			return nil, fmt.Errorf("profile %d: missing id", i)
		}
		if _, dup := profiles[p.ID]; dup {
			return nil, fmt.Errorf("profile %q: defined twice", p.ID)
		}
		if p.MaxConcurrent < 1 {
			return nil, fmt.Errorf("profile %q: max_concurrent must be at least 1", p.ID)
		}
		if p.Mode == "" {
			p.Mode = "localexec"
		}
		if p.DefaultTimeout <= 0 {
			p.DefaultTimeout = defaultProfileTimeout
		}
		if p.DefaultTimeout > MaxRunTimeout {
			return nil, fmt.Errorf("profile %q: default_timeout exceeds %s", p.ID, MaxRunTimeout)
		}
		switch p.Cleanup {
		case "":
			p.Cleanup = models.CleanupRetain
		case models.CleanupRetain, models.CleanupPurge:
		default:
			return nil, fmt.Errorf("profile %q: unknown cleanup policy %q", p.ID, p.Cleanup)
		}
		profiles[p.ID] = p
	}
	return profiles, nil
}

// LoadProfiles reads a profile file.
func LoadProfiles(path string) (map[string]Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	return ParseProfiles(data)
}

// ProfileSet is a concurrency-safe, swappable profile table.
type ProfileSet struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewProfileSet creates a set holding profiles.
func NewProfileSet(profiles map[string]Profile) *ProfileSet {
	s := &ProfileSet{}
	s.Replace(profiles)
	return s
}

// Get returns a profile by ID.
func (s *ProfileSet) Get(id string) (Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	return p, ok
}

// List returns all profiles.
func (s *ProfileSet) List() []Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p)
	}
	return out
}

// Replace swaps the whole table. Limits apply from the next spawn.
func (s *ProfileSet) Replace(profiles map[string]Profile) {
	cp := make(map[string]Profile, len(profiles))
	for k, v := range profiles {
		cp[k] = v
	}
	s.mu.Lock()
	s.profiles = cp
	s.mu.Unlock()
}

// WatchProfiles reloads path into set whenever the file changes, until ctx is
// done. The parent directory is watched so editors that replace the file
// atomically are seen. A file that fails to parse leaves the table unchanged.
func WatchProfiles(ctx context.Context, path string, set *ProfileSet, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				profiles, err := LoadProfiles(path)
				if err != nil {
					logger.Warn("profile reload failed, keeping previous profiles", "path", path, "error", err)
					continue
				}
				set.Replace(profiles)
				logger.Info("profiles reloaded", "path", path, "count", len(profiles))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("profile watcher error", "error", err)
			}
		}
	}()
	return nil
}
