package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const DefaultAPIURL = "https://onesignal.com/api/v1"

var (
	ErrNotConfigured = errors.New("push is not configured")
	ErrInvalid       = errors.New("invalid notification")
)

// Notification targets either player ids or segments. Headings and contents
// are keyed by language code.
type Notification struct {
	PlayerIDs []string          `json:"player_ids,omitempty"`
	Segments  []string          `json:"segments,omitempty"`
	Headings  map[string]string `json:"headings"`
	Contents  map[string]string `json:"contents"`
	Data      map[string]any    `json:"data,omitempty"`
	URL       string            `json:"url,omitempty"`
	Priority  *int              `json:"priority,omitempty"`
}

func (n Notification) Validate() error {
	if len(n.PlayerIDs) == 0 && len(n.Segments) == 0 {
		return fmt.Errorf("%w: either player_ids or segments must be provided", ErrInvalid)
	}
	if len(n.Headings) == 0 || len(n.Contents) == 0 {
		return fmt.Errorf("%w: headings and contents are required", ErrInvalid)
	}
	if n.Priority != nil && (*n.Priority < 0 || *n.Priority > 10) {
		return fmt.Errorf("%w: priority %d out of range 0-10", ErrInvalid, *n.Priority)
	}
	return nil
}

type Result struct {
	NotificationID string   `json:"notification_id,omitempty"`
	Recipients     int      `json:"recipients_count"`
	Warnings       []string `json:"warnings,omitempty"`
}

type Sender interface {
	Send(ctx context.Context, n Notification) (Result, error)
}

type Config struct {
	AppID      string
	RESTAPIKey string
	APIURL     string
	Timeout    time.Duration
}

type OneSignal struct {
	cfg    Config
	client *http.Client
}

func NewOneSignal(cfg Config) (*OneSignal, error) {
	cfg.AppID = strings.TrimSpace(cfg.AppID)
	cfg.RESTAPIKey = strings.TrimSpace(cfg.RESTAPIKey)
	if cfg.AppID == "" || cfg.RESTAPIKey == "" {
		return nil, ErrNotConfigured
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &OneSignal{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

type onesignalRequest struct {
	AppID            string            `json:"app_id"`
	IncludePlayerIDs []string          `json:"include_player_ids,omitempty"`
	IncludedSegments []string          `json:"included_segments,omitempty"`
	Headings         map[string]string `json:"headings"`
	Contents         map[string]string `json:"contents"`
	Data             map[string]any    `json:"data,omitempty"`
	URL              string            `json:"url,omitempty"`
	Priority         int               `json:"priority"`
}

func (o *OneSignal) Send(ctx context.Context, n Notification) (Result, error) {
	if err := n.Validate(); err != nil {
		return Result{}, err
	}
	body := onesignalRequest{
		AppID:    o.cfg.AppID,
		Headings: n.Headings,
		Contents: n.Contents,
		Data:     n.Data,
		URL:      n.URL,
		Priority: 10,
	}
	if n.Priority != nil {
		body.Priority = *n.Priority
	}
	// Player ids win when both are given.
	if len(n.PlayerIDs) > 0 {
		body.IncludePlayerIDs = n.PlayerIDs
	} else {
		body.IncludedSegments = n.Segments
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return Result{}, err
	}

	endpoint := strings.TrimRight(o.cfg.APIURL, "/") + "/notifications"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Basic "+o.cfg.RESTAPIKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("onesignal request failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return Result{}, fmt.Errorf("onesignal HTTP %d error: %s", resp.StatusCode, respBody)
	}

	var out struct {
		ID         string          `json:"id"`
		Recipients int             `json:"recipients"`
		Errors     json.RawMessage `json:"errors"`
		Warnings   []string        `json:"warnings"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return Result{}, fmt.Errorf("decode onesignal response: %w", err)
	}
	if out.ID == "" && hasErrors(out.Errors) {
		return Result{}, fmt.Errorf("onesignal rejected notification: %s", out.Errors)
	}
	if out.Recipients == 0 && len(n.PlayerIDs) > 0 {
		log.Warn().Strs("player_ids", n.PlayerIDs).Msg("push sent but no recipients matched")
	}
	log.Info().Str("notification_id", out.ID).Int("recipients", out.Recipients).Msg("push sent")
	return Result{NotificationID: out.ID, Recipients: out.Recipients, Warnings: out.Warnings}, nil
}

func hasErrors(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s != "" && s != "null" && s != "[]" && s != "{}"
}
