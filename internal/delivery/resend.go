package delivery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/resend/resend-go/v2"
	"github.com/rs/zerolog/log"
)

// Resend sends through the Resend API.
type Resend struct {
	client *resend.Client
	from   string
}

func NewResend(apiKey, from string) *Resend {
	return &Resend{client: resend.NewClient(apiKey), from: from}
}

func (s *Resend) Send(ctx context.Context, payload json.RawMessage) (Receipt, error) {
	e, err := DecodeEmail(payload)
	if err != nil {
		return Receipt{}, err
	}
	params := &resend.SendEmailRequest{
		From:    s.from,
		To:      e.To,
		Cc:      e.Cc,
		Bcc:     e.Bcc,
		Subject: e.Subject,
		ReplyTo: e.ReplyTo,
	}
	if e.HTML() {
		params.Html = e.Body
	} else {
		params.Text = e.Body
	}

	sent, err := s.client.Emails.SendWithContext(ctx, params)
	if err != nil {
		log.Error().Err(err).Strs("to", e.To).Str("subject", e.Subject).Msg("resend send failed")
		return Receipt{}, fmt.Errorf("resend send failed: %w", err)
	}
	log.Info().Str("message_id", sent.Id).Strs("to", e.To).Msg("resend sent")
	return Receipt{MessageID: sent.Id}, nil
}
