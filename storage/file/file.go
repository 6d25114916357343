package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-session/instrumentation"
	"github.com/giantswarm/oauth-session/security"
	"github.com/giantswarm/oauth-session/storage"
)

const (
	storageType = "file"

	sessionFile = "session.json"
	pendingFile = "pending.json"

	dirMode  fs.FileMode = 0o700
	fileMode fs.FileMode = 0o600
)

// Store keeps pending and session state as files in one directory.
type Store struct {
	dir           string
	pendingMaxAge time.Duration
	now           func() time.Time

	mu              sync.RWMutex
	encryptor       *security.Encryptor
	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// Compile-time interface checks
var (
	_ storage.PendingStore = (*Store)(nil)
	_ storage.SessionStore = (*Store)(nil)
)

// New creates the directory if needed and returns a store rooted there.
func New(dir string, pendingMaxAge time.Duration) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage directory is required")
	}
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	// MkdirAll leaves an existing directory's mode alone
	if err := os.Chmod(dir, dirMode); err != nil {
		return nil, fmt.Errorf("failed to restrict storage directory: %w", err)
	}

	return &Store{
		dir:           dir,
		pendingMaxAge: pendingMaxAge,
		now:           time.Now,
		logger:        slog.Default(),
	}, nil
}

// Dir returns the storage directory.
func (s *Store) Dir() string {
	return s.dir
}

// SetLogger sets the logger
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetEncryptor sets the encryptor for values at rest
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptor = enc
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	logger := s.logger
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.count(pendingFile) },
			func() int64 { return s.count(sessionFile) },
		)
		if err != nil {
			logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

func (s *Store) count(name string) int64 {
	if _, err := os.Stat(s.path(name)); err != nil {
		return 0
	}
	return 1
}

func (s *Store) state() (*security.Encryptor, *slog.Logger) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.encryptor, s.logger
}

// StorePending saves the pending attempt, replacing any previous one.
func (s *Store) StorePending(ctx context.Context, pending *storage.PendingAuth) (err error) {
	ctx, span := s.startStorageSpan(ctx, "store_pending")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "store_pending", &err, time.Now())

	if pending == nil {
		return fmt.Errorf("pending authorization cannot be nil")
	}
	enc, _ := s.state()

	data, err := storage.EncodePending(pending, enc)
	if err != nil {
		return err
	}
	return s.writeFile(pendingFile, data)
}

// RetrieveAndClearPending atomically returns and deletes the pending attempt.
func (s *Store) RetrieveAndClearPending(ctx context.Context) (_ *storage.PendingAuth, err error) {
	ctx, span := s.startStorageSpan(ctx, "retrieve_and_clear_pending")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "retrieve_and_clear_pending", &err, time.Now())

	enc, logger := s.state()

	// claim the file first; only one rename of the same source can succeed
	claimed := filepath.Join(s.dir, "."+pendingFile+"."+uuid.NewString())
	if err := os.Rename(s.path(pendingFile), claimed); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storage.ErrPendingNotFound
		}
		return nil, fmt.Errorf("failed to claim pending authorization: %w", err)
	}
	defer func() {
		if rerr := os.Remove(claimed); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
			logger.Warn("Failed to remove claimed pending file", "path", claimed, "error", rerr)
		}
	}()

	data, err := os.ReadFile(claimed)
	if err != nil {
		return nil, fmt.Errorf("failed to read pending authorization: %w", err)
	}

	pending, err := storage.DecodePending(string(data), enc)
	if err != nil {
		return nil, err
	}
	if storage.IsPendingStale(pending.CreatedAt, s.now(), s.pendingMaxAge) {
		return nil, storage.ErrPendingExpired
	}
	return pending, nil
}

// SaveSession replaces the stored session.
func (s *Store) SaveSession(ctx context.Context, record *storage.SessionRecord) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_session")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "save_session", &err, time.Now())

	if record == nil {
		return fmt.Errorf("session record cannot be nil")
	}
	enc, _ := s.state()

	data, err := storage.EncodeSession(record, enc)
	if err != nil {
		return err
	}
	return s.writeFile(sessionFile, data)
}

// LoadSession returns the stored session.
func (s *Store) LoadSession(ctx context.Context) (_ *storage.SessionRecord, err error) {
	ctx, span := s.startStorageSpan(ctx, "load_session")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "load_session", &err, time.Now())

	enc, _ := s.state()

	data, err := os.ReadFile(s.path(sessionFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storage.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	return storage.DecodeSession(string(data), enc)
}

// DeleteSession removes the stored session.
func (s *Store) DeleteSession(ctx context.Context) (err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_session")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "delete_session", &err, time.Now())

	if err := os.Remove(s.path(sessionFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	s.mu.RLock()
	tracer := s.tracer
	s.mu.RUnlock()

	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, storageType)
	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, errp *error, startTime time.Time) {
	s.mu.RLock()
	inst := s.instrumentation
	s.mu.RUnlock()

	if inst == nil {
		return
	}

	result := instrumentation.ResultSuccess
	if *errp != nil && !storage.IsMiss(*errp) {
		result = instrumentation.ResultError
		instrumentation.RecordError(span, *errp)
	} else {
		instrumentation.SetSpanSuccess(span)
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	inst.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

// writeFile writes data to a temporary file and renames it over name.
func (s *Store) writeFile(name, data string) error {
	tmp, err := os.CreateTemp(s.dir, "."+name+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set file mode: %w", err)
	}
	if _, err := tmp.WriteString(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", name, err)
	}

	if err := os.Rename(tmpName, s.path(name)); err != nil {
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}

// Watch calls onChange whenever session.json is written, replaced or removed,
// until ctx is done. Events are coalesced over debounce.
func (s *Store) Watch(ctx context.Context, debounce time.Duration, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// watch the directory, since atomic replacement swaps the file's inode
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", s.dir, err)
	}

	_, logger := s.state()
	go func() {
		defer watcher.Close()

		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != sessionFile {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
					!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounce)
				} else {
					timer.Reset(debounce)
				}
				fire = timer.C
			case <-fire:
				fire = nil
				onChange()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("Session file watcher error", "error", err)
			}
		}
	}()
	return nil
}
