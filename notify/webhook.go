package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/hashicorp/go-cleanhttp"
)

// WebhookConfig points at a callbacks server guarded by a shared secret.
type WebhookConfig struct {
	URL     string
	Secret  string
	Handler string
	Client  *http.Client
}

// Webhook hands digests to a callbacks server with a GET request carrying
// the secret, the handler name and the message as query parameters.
type Webhook struct {
	cfg    WebhookConfig
	client *http.Client
}

func NewWebhook(cfg WebhookConfig) *Webhook {
	client := cfg.Client
	if client == nil {
		client = cleanhttp.DefaultClient()
	}
	return &Webhook{cfg: cfg, client: client}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Send(ctx context.Context, msg Message) (Status, error) {
	if w.cfg.URL == "" || w.cfg.Secret == "" {
		return NotConfigured, ErrNotConfigured
	}

	u, err := url.Parse(w.cfg.URL)
	if err != nil {
		return Failed, fmt.Errorf("parsing webhook url: %w", err)
	}
	q := u.Query()
	q.Set("secret", w.cfg.Secret)
	q.Set("handler", w.cfg.Handler)
	q.Set("message", msg.Text)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Failed, err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		// the request url carries the secret
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return Failed, fmt.Errorf("calling %s: %w", w.cfg.URL, err)
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Failed, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return Delivered, nil
}
