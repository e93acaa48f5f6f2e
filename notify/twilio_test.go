package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTwilio_Send(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		got = r
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	tw := NewTwilio(TwilioConfig{
		Account:  "AC123",
		Token:    "secret",
		Sender:   "+15550001",
		Receiver: "+15550002",
		BaseURL:  srv.URL,
	})
	status, err := tw.Send(context.Background(), Message{Text: "Caution!\nreport.pdf: 3"})
	require.NoError(t, err)
	assert.Equal(t, Delivered, status)

	require.NotNil(t, got)
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/2010-04-01/Accounts/AC123/Messages.json", got.URL.Path)
	user, pass, ok := got.BasicAuth()
	assert.True(t, ok)
	assert.Equal(t, "AC123", user)
	assert.Equal(t, "secret", pass)
	assert.Equal(t, "+15550001", got.PostForm.Get("From"))
	assert.Equal(t, "+15550002", got.PostForm.Get("To"))
	assert.Equal(t, "Caution!\nreport.pdf: 3", got.PostForm.Get("Body"))
}

func TestTwilio_Failure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"invalid number"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	tw := NewTwilio(TwilioConfig{Account: "a", Token: "t", Sender: "s", Receiver: "r", BaseURL: srv.URL})
	status, err := tw.Send(context.Background(), Message{Text: "x"})
	assert.Equal(t, Failed, status)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid number")
}

func TestTwilio_NotConfigured(t *testing.T) {
	tw := NewTwilio(TwilioConfig{Account: "a", Token: "t", Sender: "s"})
	status, err := tw.Send(context.Background(), Message{Text: "x"})
	assert.Equal(t, NotConfigured, status)
	assert.ErrorIs(t, err, ErrNotConfigured)
}
