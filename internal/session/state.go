// Package session owns the process-wide signed-in session: the state
// record, its on-disk mirror, and the manager that drives sign-in, token
// refresh, and sign-out.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"qms/access-service/internal/logging"
)

// Snapshot is the session record. Restored copies are hints only; the
// identity provider decides whether a session exists.
type Snapshot struct {
	Authenticated bool      `cbor:"authenticated"`
	Subject       string    `cbor:"subject,omitempty"`
	Email         string    `cbor:"email,omitempty"`
	LastRefresh   time.Time `cbor:"last_refresh"`
}

// Mirror keeps a durable copy of the snapshot across restarts.
type Mirror interface {
	Save(Snapshot) error
	Load() (Snapshot, bool, error)
	Clear() error
}

type StateStore struct {
	mirror Mirror
	logger *slog.Logger

	mu   sync.RWMutex
	snap Snapshot
}

// NewStateStore accepts a nil mirror.
func NewStateStore(mirror Mirror, logger *slog.Logger) *StateStore {
	return &StateStore{mirror: mirror, logger: logging.OrDiscard(logger)}
}

func (s *StateStore) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

func (s *StateStore) Authenticate(subject, email string, at time.Time) {
	s.mu.Lock()
	s.snap = Snapshot{Authenticated: true, Subject: subject, Email: email, LastRefresh: at}
	snap := s.snap
	s.mu.Unlock()
	s.save(snap)
}

// Refreshed records a successful credential refresh for subject. It is
// ignored when subject is no longer the signed-in user.
func (s *StateStore) Refreshed(subject string, at time.Time) {
	s.mu.Lock()
	if !s.snap.Authenticated || s.snap.Subject != subject {
		s.mu.Unlock()
		return
	}
	s.snap.LastRefresh = at
	snap := s.snap
	s.mu.Unlock()
	s.save(snap)
}

func (s *StateStore) Clear() {
	s.mu.Lock()
	s.snap = Snapshot{}
	s.mu.Unlock()
	if s.mirror == nil {
		return
	}
	if err := s.mirror.Clear(); err != nil {
		s.logger.Warn("session mirror clear failed", "error", err)
	}
}

// Restore reads the mirrored snapshot without adopting it.
func (s *StateStore) Restore() (Snapshot, bool) {
	if s.mirror == nil {
		return Snapshot{}, false
	}
	snap, ok, err := s.mirror.Load()
	if err != nil {
		s.logger.Warn("session mirror load failed", "error", err)
		return Snapshot{}, false
	}
	return snap, ok
}

func (s *StateStore) save(snap Snapshot) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.Save(snap); err != nil {
		s.logger.Warn("session mirror save failed", "error", err)
	}
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("session: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()
	if err != nil {
		panic("session: CBOR decoder initialization failed: " + err.Error())
	}
}

// FileMirror stores the snapshot as CBOR in a single file, replaced
// atomically on every save.
type FileMirror struct {
	path string

	mu sync.Mutex
}

func NewFileMirror(dir string) *FileMirror {
	return &FileMirror{path: filepath.Join(dir, "session.cbor")}
}

func (m *FileMirror) Path() string { return m.path }

func (m *FileMirror) Save(snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := encMode.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshaling session state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o700); err != nil {
		return fmt.Errorf("creating session state directory: %w", err)
	}

	temporaryPath := m.path + ".tmp"
	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating temporary session file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary session file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary session file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary session file: %w", err)
	}
	if err := os.Rename(temporaryPath, m.path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming session file into place: %w", err)
	}
	return nil
}

func (m *FileMirror) Load() (Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("reading session file: %w", err)
	}
	var snap Snapshot
	if err := decMode.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("decoding session file: %w", err)
	}
	return snap, true, nil
}

// Clear is idempotent.
func (m *FileMirror) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.Remove(m.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing session file: %w", err)
	}
	return nil
}
