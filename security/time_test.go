package security

import (
	"testing"
	"time"
)

func TestIsTokenExpiredAt(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		expiresAt time.Time
		grace     time.Duration
		want      bool
	}{
		{name: "zero never expires", expiresAt: time.Time{}, want: false},
		{name: "future", expiresAt: now.Add(time.Minute), want: false},
		{name: "past without grace", expiresAt: now.Add(-time.Second), want: true},
		{name: "within grace", expiresAt: now.Add(-3 * time.Second), grace: 5 * time.Second, want: false},
		{name: "beyond grace", expiresAt: now.Add(-6 * time.Second), grace: 5 * time.Second, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTokenExpiredAt(tt.expiresAt, now, tt.grace); got != tt.want {
				t.Errorf("IsTokenExpiredAt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsTokenExpired(t *testing.T) {
	if IsTokenExpired(time.Now().Add(time.Hour)) {
		t.Error("token expiring in an hour is not expired")
	}
	if !IsTokenExpired(time.Now().Add(-time.Minute)) {
		t.Error("token expired a minute ago is expired")
	}
}

func TestIsTokenExpiringSoon(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	if !IsTokenExpiringSoon(now.Add(20*time.Second), now, 30*time.Second) {
		t.Error("expected expiring soon")
	}
	if IsTokenExpiringSoon(now.Add(time.Hour), now, 30*time.Second) {
		t.Error("not expiring soon")
	}
	if IsTokenExpiringSoon(time.Time{}, now, time.Hour) {
		t.Error("zero expiry never expires")
	}
}
