package storage

import (
	"encoding/json"
	"fmt"

	"github.com/giantswarm/oauth-session/security"
)

// Labels bind sealed values to their slot, see security.Encryptor.Seal.
const (
	sessionLabel = "session"
	pendingLabel = "pending"
)

// EncodeSession serializes a session record, sealing it when enc is enabled.
func EncodeSession(record *SessionRecord, enc *security.Encryptor) (string, error) {
	return encode(record, enc, sessionLabel)
}

// DecodeSession reverses EncodeSession. Failures wrap ErrCorruptRecord.
func DecodeSession(data string, enc *security.Encryptor) (*SessionRecord, error) {
	var record SessionRecord
	if err := decode(data, enc, sessionLabel, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// EncodePending serializes a pending attempt, sealing it when enc is enabled.
func EncodePending(pending *PendingAuth, enc *security.Encryptor) (string, error) {
	return encode(pending, enc, pendingLabel)
}

// DecodePending reverses EncodePending. Failures wrap ErrCorruptRecord.
func DecodePending(data string, enc *security.Encryptor) (*PendingAuth, error) {
	var pending PendingAuth
	if err := decode(data, enc, pendingLabel, &pending); err != nil {
		return nil, err
	}
	return &pending, nil
}

// SealField seals a single pending field for backends that store fields separately.
func SealField(value string, enc *security.Encryptor) (string, error) {
	return enc.Seal([]byte(value), pendingLabel)
}

// OpenField reverses SealField. Failures wrap ErrCorruptRecord.
func OpenField(value string, enc *security.Encryptor) (string, error) {
	plain, err := enc.Open(value, pendingLabel)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCorruptRecord, err)
	}
	return string(plain), nil
}

func encode(v any, enc *security.Encryptor, label string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s: %w", label, err)
	}
	sealed, err := enc.Seal(data, label)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt %s: %w", label, err)
	}
	return sealed, nil
}

func decode(data string, enc *security.Encryptor, label string, v any) error {
	plain, err := enc.Open(data, label)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrCorruptRecord, label, err)
	}
	if err := json.Unmarshal(plain, v); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrCorruptRecord, label, err)
	}
	return nil
}
