package domain

import (
	"testing"
	"time"
)

func TestMessage_CanRetry(t *testing.T) {
	tests := []struct {
		name    string
		retried int
		want    bool
	}{
		{"no attempts yet", 0, true},
		{"one short of the cap", MaxRetries - 1, true},
		{"at the cap", MaxRetries, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Message{Retried: tt.retried}
			if got := m.CanRetry(); got != tt.want {
				t.Errorf("CanRetry() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMessage_DueToday(t *testing.T) {
	now := time.Date(2026, 3, 5, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		publishAt time.Time
		want      bool
	}{
		{"earlier same day", time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC), true},
		{"later same day", time.Date(2026, 3, 5, 23, 59, 0, 0, time.UTC), true},
		{"yesterday", time.Date(2026, 3, 4, 23, 59, 0, 0, time.UTC), false},
		{"tomorrow", time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Message{PublishAt: tt.publishAt}
			if got := m.DueToday(now); got != tt.want {
				t.Errorf("DueToday() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMessage_FailureCallbackURL(t *testing.T) {
	t.Run("present", func(t *testing.T) {
		m := &Message{Payload: Payload{Headers: Headers{
			Command: map[string]string{"failure-callback": "https://example.com/fail"},
		}}}
		url, ok := m.FailureCallbackURL()
		if !ok || url != "https://example.com/fail" {
			t.Errorf("got (%q, %v), want (\"https://example.com/fail\", true)", url, ok)
		}
	})

	t.Run("absent", func(t *testing.T) {
		m := &Message{Payload: Payload{Headers: Headers{Command: map[string]string{}}}}
		if _, ok := m.FailureCallbackURL(); ok {
			t.Error("expected ok = false when no failure-callback header was supplied")
		}
	})

	t.Run("empty value treated as absent", func(t *testing.T) {
		m := &Message{Payload: Payload{Headers: Headers{
			Command: map[string]string{"failure-callback": ""},
		}}}
		if _, ok := m.FailureCallbackURL(); ok {
			t.Error("expected ok = false for an empty failure-callback value")
		}
	})
}

func TestValidStatus(t *testing.T) {
	tests := []struct {
		in        string
		wantOK    bool
		wantValue Status
	}{
		{"CREATED", true, StatusCreated},
		{"created", true, StatusCreated},
		{"DlQ", true, StatusDLQ},
		{"bogus", false, ""},
		{"", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ValidStatus(tt.in)
			if ok != tt.wantOK || got != tt.wantValue {
				t.Errorf("ValidStatus(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.wantValue, tt.wantOK)
			}
		})
	}
}
