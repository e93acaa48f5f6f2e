package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhook_Send(t *testing.T) {
	var query url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/callback", r.URL.Path)
		query = r.URL.Query()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	wh := NewWebhook(WebhookConfig{URL: srv.URL + "/callback", Secret: "s3cr3t", Handler: "sms"})
	status, err := wh.Send(context.Background(), Message{Text: "Caution!\na & b: 1"})
	require.NoError(t, err)
	assert.Equal(t, Delivered, status)

	assert.Equal(t, "s3cr3t", query.Get("secret"))
	assert.Equal(t, "sms", query.Get("handler"))
	assert.Equal(t, "Caution!\na & b: 1", query.Get("message"))
}

func TestWebhook_Failure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	wh := NewWebhook(WebhookConfig{URL: srv.URL, Secret: "wrong"})
	status, err := wh.Send(context.Background(), Message{Text: "x"})
	assert.Equal(t, Failed, status)
	assert.Error(t, err)
}

func TestWebhook_ErrorHidesSecret(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	wh := NewWebhook(WebhookConfig{URL: srv.URL, Secret: "s3cr3t"})
	status, err := wh.Send(context.Background(), Message{Text: "x"})
	assert.Equal(t, Failed, status)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "s3cr3t")
}

func TestWebhook_NotConfigured(t *testing.T) {
	status, _ := NewWebhook(WebhookConfig{URL: "http://localhost"}).Send(context.Background(), Message{})
	assert.Equal(t, NotConfigured, status)
}
