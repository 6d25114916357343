package valkey

import (
	"context"
	"fmt"
	"time"

	"github.com/giantswarm/oauth-session/storage"
)

// SaveSession replaces the stored session.
func (s *Store) SaveSession(ctx context.Context, record *storage.SessionRecord) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_session")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "save_session", &err, time.Now())

	if record == nil {
		return fmt.Errorf("session record cannot be nil")
	}

	data, err := storage.EncodeSession(record, s.getEncryptor())
	if err != nil {
		return err
	}
	if len(data) > maxRecordSize {
		return fmt.Errorf("session record exceeds %d bytes", maxRecordSize)
	}

	if err = s.client.Do(ctx, s.client.B().Set().Key(s.sessionKey()).Value(data).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// LoadSession returns the stored session.
func (s *Store) LoadSession(ctx context.Context) (_ *storage.SessionRecord, err error) {
	ctx, span := s.startStorageSpan(ctx, "load_session")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "load_session", &err, time.Now())

	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.sessionKey()).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	return storage.DecodeSession(data, s.getEncryptor())
}

// DeleteSession removes the stored session.
func (s *Store) DeleteSession(ctx context.Context) (err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_session")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "delete_session", &err, time.Now())

	if err = s.client.Do(ctx, s.client.B().Del().Key(s.sessionKey()).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}
