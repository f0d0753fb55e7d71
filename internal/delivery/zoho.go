package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultZohoAPIDomain   = "https://mail.zoho.in"
	DefaultZohoAccountsURL = "https://accounts.zoho.in"
)

type ZohoConfig struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	AccountID    string
	FromEmail    string
	FromName     string
	APIDomain    string
	AccountsURL  string
	Timeout      time.Duration
}

// Zoho sends through the Zoho Mail API, trading the refresh token for an
// access token on first use and whenever the cached one expires or is rejected.
type Zoho struct {
	cfg    ZohoConfig
	client *http.Client

	mu      sync.Mutex
	token   string
	expires time.Time
}

func NewZoho(cfg ZohoConfig) *Zoho {
	if cfg.APIDomain == "" {
		cfg.APIDomain = DefaultZohoAPIDomain
	}
	if cfg.AccountsURL == "" {
		cfg.AccountsURL = DefaultZohoAccountsURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Zoho{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

type zohoMessage struct {
	FromAddress    string `json:"fromAddress"`
	ToAddress      string `json:"toAddress"`
	CcAddress      string `json:"ccAddress,omitempty"`
	BccAddress     string `json:"bccAddress,omitempty"`
	ReplyToAddress string `json:"replyToAddress,omitempty"`
	Subject        string `json:"subject"`
	Content        string `json:"content"`
	MailFormat     string `json:"mailFormat"`
}

func (z *Zoho) Send(ctx context.Context, payload json.RawMessage) (Receipt, error) {
	e, err := DecodeEmail(payload)
	if err != nil {
		return Receipt{}, err
	}
	token, err := z.accessToken(ctx)
	if err != nil {
		return Receipt{}, err
	}

	msg := zohoMessage{
		FromAddress:    z.from(),
		ToAddress:      strings.Join(e.To, ","),
		CcAddress:      strings.Join(e.Cc, ","),
		BccAddress:     strings.Join(e.Bcc, ","),
		ReplyToAddress: e.ReplyTo,
		Subject:        e.Subject,
		Content:        e.Body,
		MailFormat:     "text",
	}
	if e.HTML() {
		msg.MailFormat = "html"
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return Receipt{}, Permanent(err)
	}

	endpoint := fmt.Sprintf("%s/api/accounts/%s/messages", strings.TrimRight(z.cfg.APIDomain, "/"), url.PathEscape(z.cfg.AccountID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Authorization", "Zoho-oauthtoken "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := z.client.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("zoho request failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		z.invalidate()
		return Receipt{}, fmt.Errorf("zoho rejected access token: %s", respBody)
	}
	if err := statusError("zoho", resp.StatusCode, respBody); err != nil {
		log.Error().Err(err).Strs("to", e.To).Msg("zoho send failed")
		return Receipt{}, err
	}

	var out struct {
		Data struct {
			MessageID any `json:"messageId"`
		} `json:"data"`
		MessageID any `json:"messageId"`
	}
	dec := json.NewDecoder(bytes.NewReader(respBody))
	dec.UseNumber()
	_ = dec.Decode(&out)
	id := out.Data.MessageID
	if id == nil {
		id = out.MessageID
	}
	r := Receipt{}
	if id != nil {
		r.MessageID = fmt.Sprint(id)
	}
	log.Info().Str("message_id", r.MessageID).Strs("to", e.To).Msg("zoho sent")
	return r, nil
}

func (z *Zoho) from() string {
	if z.cfg.FromName == "" {
		return z.cfg.FromEmail
	}
	return fmt.Sprintf("%s <%s>", z.cfg.FromName, z.cfg.FromEmail)
}

func (z *Zoho) invalidate() {
	z.mu.Lock()
	z.token = ""
	z.mu.Unlock()
}

func (z *Zoho) accessToken(ctx context.Context) (string, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.token != "" && time.Now().Before(z.expires) {
		return z.token, nil
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {z.cfg.ClientID},
		"client_secret": {z.cfg.ClientSecret},
		"refresh_token": {z.cfg.RefreshToken},
	}
	endpoint := strings.TrimRight(z.cfg.AccountsURL, "/") + "/oauth/v2/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := z.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("zoho token request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("zoho token HTTP %d: %s", resp.StatusCode, body)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		Error       string `json:"error"`
	}
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", fmt.Errorf("decode zoho token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("zoho returned no access token: %s", tok.Error)
	}
	ttl := time.Duration(tok.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	z.token = tok.AccessToken
	// Refresh a minute before Zoho expires it, or halfway for short tokens.
	margin := time.Minute
	if margin > ttl/2 {
		margin = ttl / 2
	}
	z.expires = time.Now().Add(ttl - margin)
	log.Debug().Dur("ttl", ttl).Msg("obtained zoho access token")
	return z.token, nil
}

// statusError maps a provider HTTP status to nil, a transient error, or a
// permanent one. 408 and 429 are worth retrying; other 4xx are not.
func statusError(provider string, status int, body []byte) error {
	if status < 400 {
		return nil
	}
	err := fmt.Errorf("%s HTTP %d error: %s", provider, status, body)
	if status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests {
		return Permanent(err)
	}
	return err
}
