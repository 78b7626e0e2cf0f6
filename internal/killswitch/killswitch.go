package killswitch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"tradecore/internal/logger"
)

const (
	DefaultFile   = ".kill_switch"
	DefaultEnvKey = "TRADE_HALT"
)

// Switch is the process-wide halt flag. The marker file (or the env flag) is the
// source of truth so that operators can engage it without a restart.
type Switch struct {
	path   string
	envKey string
	log    *logger.Logger

	mu sync.Mutex
	// pinned keeps the switch engaged when the marker could not be written.
	pinned atomic.Bool
}

func New(path, envKey string, log *logger.Logger) *Switch {
	if path == "" {
		path = DefaultFile
	}
	if envKey == "" {
		envKey = DefaultEnvKey
	}
	return &Switch{path: path, envKey: envKey, log: log}
}

func (s *Switch) Path() string {
	return s.path
}

// Engaged is evaluated on every call; it never caches the marker state.
func (s *Switch) Engaged() bool {
	if s.pinned.Load() {
		return true
	}
	if strings.EqualFold(strings.TrimSpace(os.Getenv(s.envKey)), "true") {
		return true
	}
	_, err := os.Stat(s.path)
	if err == nil {
		return true
	}
	// Anything other than "does not exist" means we cannot prove the switch is off.
	return !errors.Is(err, os.ErrNotExist)
}

// Engage writes the marker with reason and timestamp.
func (s *Switch) Engage(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	body := fmt.Sprintf("%s %s\n", time.Now().UTC().Format(time.RFC3339), reason)
	if err := os.WriteFile(s.path, []byte(body), 0o644); err != nil {
		s.pinned.Store(true)
		s.logEntry().WithError(err).WithField("reason", reason).Error("Kill switch marker could not be written, switch pinned in memory.")
		return fmt.Errorf("write kill switch marker: %w", err)
	}

	s.logEntry().WithField("reason", reason).Warn("Kill switch engaged.")
	return nil
}

// Reset is the explicit operator action that clears the switch.
func (s *Switch) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove kill switch marker: %w", err)
	}
	if err := os.Unsetenv(s.envKey); err != nil {
		return fmt.Errorf("unset %s: %w", s.envKey, err)
	}
	s.pinned.Store(false)

	s.logEntry().Warn("Kill switch reset by operator.")
	return nil
}

// Reason returns the marker contents, empty when no marker is present.
func (s *Switch) Reason() string {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Watch logs marker transitions made outside the process until ctx is done.
func (s *Switch) Watch(ctx context.Context, onChange func(engaged bool)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create kill switch watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	name := filepath.Clean(s.path)
	last := s.Engaged()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logEntry().WithError(err).Warn("Kill switch watcher error.")
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != name {
				continue
			}
			now := s.Engaged()
			if now == last {
				continue
			}
			last = now
			s.logEntry().WithFields(logrus.Fields{
				"engaged": now,
				"op":      evt.Op.String(),
			}).Warn("Kill switch marker changed.")
			if onChange != nil {
				onChange(now)
			}
		}
	}
}

func (s *Switch) logEntry() *logrus.Entry {
	return s.log.WithComponent("kill_switch").WithField("marker", s.path)
}
