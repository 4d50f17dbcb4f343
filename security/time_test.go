package security

import (
	"testing"
	"time"
)

func TestIsTokenExpired(t *testing.T) {
	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{"zero time never expires", time.Time{}, false},
		{"future expiry", time.Now().Add(time.Hour), false},
		{"just expired inside grace", time.Now().Add(-time.Second), false},
		{"expired beyond grace", time.Now().Add(-time.Minute), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTokenExpired(tt.expiresAt); got != tt.want {
				t.Errorf("IsTokenExpired = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsTokenExpiredWithGracePeriod(t *testing.T) {
	expiresAt := time.Now().Add(-10 * time.Second)

	if IsTokenExpiredWithGracePeriod(expiresAt, time.Minute) {
		t.Error("expired within custom grace period reported as expired")
	}
	if !IsTokenExpiredWithGracePeriod(expiresAt, time.Second) {
		t.Error("expired beyond custom grace period not reported")
	}
}

func TestIsTokenExpiringSoon(t *testing.T) {
	if !IsTokenExpiringSoon(time.Now().Add(time.Minute), 5*time.Minute) {
		t.Error("token expiring in 1m not flagged with 5m threshold")
	}
	if IsTokenExpiringSoon(time.Now().Add(time.Hour), 5*time.Minute) {
		t.Error("token expiring in 1h flagged with 5m threshold")
	}
	if IsTokenExpiringSoon(time.Time{}, 5*time.Minute) {
		t.Error("zero expiry flagged as expiring soon")
	}
}
