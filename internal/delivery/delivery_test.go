package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestEmailValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		email   Email
		wantErr bool
	}{
		{name: "valid", email: Email{To: []string{"a@example.com"}, Subject: "s", Body: "b"}},
		{name: "named address", email: Email{To: []string{"Ann <a@example.com>"}, Subject: "s", Body: "b"}},
		{name: "no recipients", email: Email{Subject: "s", Body: "b"}, wantErr: true},
		{name: "no subject", email: Email{To: []string{"a@example.com"}, Body: "b"}, wantErr: true},
		{name: "no body", email: Email{To: []string{"a@example.com"}, Subject: "s"}, wantErr: true},
		{name: "bad to", email: Email{To: []string{"not-an-address"}, Subject: "s", Body: "b"}, wantErr: true},
		{name: "bad cc", email: Email{To: []string{"a@example.com"}, Cc: []string{"x"}, Subject: "s", Body: "b"}, wantErr: true},
		{name: "bad reply_to", email: Email{To: []string{"a@example.com"}, ReplyTo: "@", Subject: "s", Body: "b"}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.email.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEmailHTMLDefault(t *testing.T) {
	t.Parallel()
	var e Email
	if err := json.Unmarshal([]byte(`{"to":["a@example.com"],"subject":"s","body":"b"}`), &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !e.HTML() {
		t.Fatalf("is_html should default to true")
	}
	if err := json.Unmarshal([]byte(`{"is_html":false}`), &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if e.HTML() {
		t.Fatalf("is_html=false not honoured")
	}
}

func TestDecodeEmailErrorsArePermanent(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{`not json`, `{"to":[],"subject":"s","body":"b"}`} {
		if _, err := DecodeEmail(json.RawMessage(raw)); err == nil || !IsPermanent(err) {
			t.Fatalf("DecodeEmail(%s) = %v, want permanent error", raw, err)
		}
	}
}

func TestPermanentSurvivesWrapping(t *testing.T) {
	t.Parallel()
	base := errors.New("mailbox unavailable")
	err := fmt.Errorf("send: %w", Permanent(base))
	if !IsPermanent(err) {
		t.Fatalf("wrapped permanent error not detected")
	}
	if !errors.Is(err, base) {
		t.Fatalf("permanent error should unwrap to its cause")
	}
	if IsPermanent(base) || Permanent(nil) != nil {
		t.Fatalf("unexpected permanence")
	}
}

func TestNoopSend(t *testing.T) {
	t.Parallel()
	r, err := Noop{}.Send(context.Background(), json.RawMessage(`{"to":["a@example.com"],"subject":"s","body":"b"}`))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !strings.HasPrefix(r.MessageID, "noop-") {
		t.Fatalf("MessageID = %q", r.MessageID)
	}
}

type countingSender struct {
	calls atomic.Int32
}

func (c *countingSender) Send(context.Context, json.RawMessage) (Receipt, error) {
	c.calls.Add(1)
	return Receipt{MessageID: "ok"}, nil
}

func TestRateLimitedWaitsForToken(t *testing.T) {
	t.Parallel()
	next := &countingSender{}
	s := NewRateLimited(next, 0.001, 1)

	if _, err := s.Send(context.Background(), nil); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := s.Send(ctx, nil); err == nil {
		t.Fatalf("second Send should fail while the limiter is empty")
	}
	if got := next.calls.Load(); got != 1 {
		t.Fatalf("wrapped sender called %d times, want 1", got)
	}
}
