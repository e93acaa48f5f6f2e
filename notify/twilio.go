package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-cleanhttp"
)

const DefaultTwilioBaseURL = "https://api.twilio.com"

// TwilioConfig holds the credentials of a Twilio account.
type TwilioConfig struct {
	Account  string
	Token    string
	Sender   string
	Receiver string

	// BaseURL overrides the API endpoint.
	BaseURL string
	Client  *http.Client
}

// Twilio sends digests as text messages.
type Twilio struct {
	cfg    TwilioConfig
	client *http.Client
}

func NewTwilio(cfg TwilioConfig) *Twilio {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultTwilioBaseURL
	}
	client := cfg.Client
	if client == nil {
		client = cleanhttp.DefaultClient()
	}
	return &Twilio{cfg: cfg, client: client}
}

func (t *Twilio) Name() string { return "twilio" }

func (t *Twilio) configured() bool {
	return t.cfg.Account != "" && t.cfg.Token != "" && t.cfg.Sender != "" && t.cfg.Receiver != ""
}

func (t *Twilio) Send(ctx context.Context, msg Message) (Status, error) {
	if !t.configured() {
		return NotConfigured, ErrNotConfigured
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json",
		strings.TrimRight(t.cfg.BaseURL, "/"), url.PathEscape(t.cfg.Account))
	form := url.Values{
		"From": {t.cfg.Sender},
		"To":   {t.cfg.Receiver},
		"Body": {msg.Text},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Failed, err
	}
	req.SetBasicAuth(t.cfg.Account, t.cfg.Token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return Failed, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Failed, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return Delivered, nil
}
