package notifier

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscordNotifierPostsContent(t *testing.T) {
	var got map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := &DiscordNotifier{WebhookURL: srv.URL, Client: srv.Client()}

	require.NoError(t, n.Notify("download finished"))
	assert.Equal(t, "download finished", got["content"])
}

func TestDiscordNotifierRejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	n := &DiscordNotifier{WebhookURL: srv.URL, Client: srv.Client()}

	assert.Error(t, n.Notify("download finished"))
}

func TestDiscordNotifierRequiresURL(t *testing.T) {
	n := &DiscordNotifier{}

	assert.Error(t, n.Notify("anything"))
}
