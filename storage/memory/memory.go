package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-session/instrumentation"
	"github.com/giantswarm/oauth-session/security"
	"github.com/giantswarm/oauth-session/storage"
)

const storageType = "memory"

// Store is an in-memory pending and session store.
// Values are kept encoded (and sealed when an encryptor is set) so that the
// in-memory copy cannot be mutated through a returned pointer.
type Store struct {
	mu sync.Mutex

	pending string
	session string

	pendingMaxAge time.Duration
	now           func() time.Time

	encryptor       *security.Encryptor
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	logger          *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.PendingStore = (*Store)(nil)
	_ storage.SessionStore = (*Store)(nil)
)

// New creates an empty store without a pending age limit.
func New() *Store {
	return &Store{
		now:    time.Now,
		logger: slog.Default(),
	}
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
	if enc.IsEnabled() {
		s.logger.Info("Session encryption at rest enabled for storage", "type", storageType)
	}
}

// SetPendingMaxAge sets how long a pending attempt stays usable. Zero disables the limit.
func (s *Store) SetPendingMaxAge(maxAge time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingMaxAge = maxAge
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.count(func() string { return s.pending }) },
			func() int64 { return s.count(func() string { return s.session }) },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

func (s *Store) count(field func() string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if field() == "" {
		return 0
	}
	return 1
}

// StorePending saves the pending attempt, replacing any previous one.
func (s *Store) StorePending(ctx context.Context, pending *storage.PendingAuth) (err error) {
	ctx, span := s.startStorageSpan(ctx, "store_pending")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "store_pending", &err, time.Now())

	if pending == nil {
		return fmt.Errorf("pending authorization cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := storage.EncodePending(pending, s.encryptor)
	if err != nil {
		return err
	}
	if s.pending != "" {
		s.logger.Debug("Replacing pending authorization")
	}
	s.pending = data
	return nil
}

// RetrieveAndClearPending returns and removes the pending attempt under one lock.
func (s *Store) RetrieveAndClearPending(ctx context.Context) (_ *storage.PendingAuth, err error) {
	ctx, span := s.startStorageSpan(ctx, "retrieve_and_clear_pending")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "retrieve_and_clear_pending", &err, time.Now())

	s.mu.Lock()
	data := s.pending
	s.pending = ""
	maxAge := s.pendingMaxAge
	now := s.now()
	enc := s.encryptor
	s.mu.Unlock()

	if data == "" {
		return nil, storage.ErrPendingNotFound
	}

	pending, err := storage.DecodePending(data, enc)
	if err != nil {
		return nil, err
	}
	if storage.IsPendingStale(pending.CreatedAt, now, maxAge) {
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

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := storage.EncodeSession(record, s.encryptor)
	if err != nil {
		return err
	}
	s.session = data
	return nil
}

// LoadSession returns the stored session.
func (s *Store) LoadSession(ctx context.Context) (_ *storage.SessionRecord, err error) {
	ctx, span := s.startStorageSpan(ctx, "load_session")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "load_session", &err, time.Now())

	s.mu.Lock()
	data := s.session
	enc := s.encryptor
	s.mu.Unlock()

	if data == "" {
		return nil, storage.ErrSessionNotFound
	}
	return storage.DecodeSession(data, enc)
}

// DeleteSession removes the stored session.
func (s *Store) DeleteSession(ctx context.Context) (err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_session")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "delete_session", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = ""
	return nil
}

// startStorageSpan starts a span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	s.mu.Lock()
	tracer := s.tracer
	s.mu.Unlock()

	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, storageType)
	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, errp *error, startTime time.Time) {
	s.mu.Lock()
	inst := s.instrumentation
	s.mu.Unlock()

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
