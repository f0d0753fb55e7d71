package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Sender delivers one email payload. Errors wrapped with Permanent must not
// be retried; any other error is treated as transient.
type Sender interface {
	Send(ctx context.Context, payload json.RawMessage) (Receipt, error)
}

type Receipt struct {
	MessageID string `json:"message_id,omitempty"`
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Email is the payload accepted by every email sender.
type Email struct {
	To      []string `json:"to"`
	Cc      []string `json:"cc,omitempty"`
	Bcc     []string `json:"bcc,omitempty"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
	IsHTML  *bool    `json:"is_html,omitempty"`
	ReplyTo string   `json:"reply_to,omitempty"`
}

// HTML defaults to true when is_html is absent.
func (e Email) HTML() bool {
	return e.IsHTML == nil || *e.IsHTML
}

func (e Email) Validate() error {
	if len(e.To) == 0 {
		return errors.New("at least one recipient is required")
	}
	if e.Subject == "" || e.Body == "" {
		return errors.New("subject and body are required")
	}
	for _, group := range [][]string{e.To, e.Cc, e.Bcc} {
		for _, addr := range group {
			if _, err := mail.ParseAddress(addr); err != nil {
				return fmt.Errorf("invalid address %q: %w", addr, err)
			}
		}
	}
	if e.ReplyTo != "" {
		if _, err := mail.ParseAddress(e.ReplyTo); err != nil {
			return fmt.Errorf("invalid reply_to %q: %w", e.ReplyTo, err)
		}
	}
	return nil
}

// DecodeEmail parses and validates a payload. A payload that fails here will
// never succeed, so the error is permanent.
func DecodeEmail(payload json.RawMessage) (Email, error) {
	var e Email
	if err := json.Unmarshal(payload, &e); err != nil {
		return Email{}, Permanent(fmt.Errorf("invalid email payload: %w", err))
	}
	if err := e.Validate(); err != nil {
		return Email{}, Permanent(fmt.Errorf("invalid email payload: %w", err))
	}
	return e, nil
}

// Noop accepts every valid payload without sending anything.
type Noop struct{}

func (Noop) Send(_ context.Context, payload json.RawMessage) (Receipt, error) {
	e, err := DecodeEmail(payload)
	if err != nil {
		return Receipt{}, err
	}
	id := "noop-" + uuid.NewString()
	log.Info().Str("message_id", id).Strs("to", e.To).Str("subject", e.Subject).Msg("noop send")
	return Receipt{MessageID: id}, nil
}
