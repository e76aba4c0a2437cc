package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nudgeops/nudged/internal/channel"
	"github.com/nudgeops/nudged/internal/policy"
)

// debounceInterval is the delay after an fsnotify event before the
// policy file is re-read, so editors that write in several steps are
// seen once.
const debounceInterval = 200 * time.Millisecond

// PolicyStore holds the current escalation policy and hot-reloads it
// when the file changes. Snapshot returns an immutable pointer, so a
// trigger run that grabbed a snapshot stays internally consistent even
// if the file changes mid-flight.
type PolicyStore struct {
	path     string
	current  atomic.Pointer[policy.Policy]
	fallback channel.Channel
}

func NewPolicyStore(path string) (*PolicyStore, error) {
	p, err := LoadPolicyFile(path)
	if err != nil {
		return nil, err
	}
	s := &PolicyStore{path: path}
	s.current.Store(p)
	return s, nil
}

// Snapshot returns the policy in effect right now. Callers must not
// mutate it.
func (s *PolicyStore) Snapshot() *policy.Policy {
	return s.current.Load()
}

// SetChannelFallback routes every stage without an explicit channel
// list through ch, now and on every reload. Used when none of the
// policy's channels has a sender in this build, so a fresh install can
// still exercise the engine end to end.
func (s *PolicyStore) SetChannelFallback(ch channel.Channel) {
	s.fallback = ch
	s.current.Store(policyWithFallback(s.current.Load(), ch))
}

func policyWithFallback(p *policy.Policy, ch channel.Channel) *policy.Policy {
	cp := *p
	cp.StageTriggers = make([]policy.StageTrigger, len(p.StageTriggers))
	copy(cp.StageTriggers, p.StageTriggers)
	for i := range cp.StageTriggers {
		if len(cp.StageTriggers[i].Channels) == 0 {
			cp.StageTriggers[i].Channels = []channel.Channel{ch}
		}
	}
	return &cp
}

// Watch re-reads the policy file on change until ctx is cancelled. An
// invalid edit is rejected with a log line and the previous policy
// stays in effect.
func (s *PolicyStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: editors replace files by rename, which
	// drops a watch on the file itself.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return err
	}

	slog.Info("policy watcher started", "path", s.path)
	var debounce *time.Timer
	debounced := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			slog.Info("policy watcher stopped")
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceInterval, func() {
				select {
				case debounced <- struct{}{}:
				default:
				}
			})
		case <-debounced:
			s.reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("policy watcher error", "error", err)
		}
	}
}

func (s *PolicyStore) reload() {
	p, err := LoadPolicyFile(s.path)
	if err != nil {
		slog.Error("policy reload rejected, keeping previous policy", "path", s.path, "error", err)
		return
	}
	if s.fallback != "" {
		p = policyWithFallback(p, s.fallback)
	}
	s.current.Store(p)
	slog.Info("policy reloaded", "path", s.path, "max_stages", p.MaxStages, "timezone", p.Timezone)
}
