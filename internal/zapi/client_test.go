// ABOUTME: Tests for the outbound gateway client
// ABOUTME: Verifies request shape, auth header, and delivery failure mapping

package zapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendMessage_Success(t *testing.T) {
	var gotPath, gotToken string
	var gotBody sendTextRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.Header.Get("Client-Token")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret-token", time.Second, nil)
	err := c.SendMessage(context.Background(), "inst-1", "5511999887766", "olá")
	require.NoError(t, err)

	assert.Equal(t, "/instances/inst-1/send-text", gotPath)
	assert.Equal(t, "secret-token", gotToken)
	assert.Equal(t, "5511999887766", gotBody.Phone)
	assert.Equal(t, "olá", gotBody.Message)
}

func TestSendMessage_NoTokenHeaderWhenUnset(t *testing.T) {
	var hasHeader bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasHeader = r.Header["Client-Token"]
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second, nil)
	require.NoError(t, c.SendMessage(context.Background(), "inst-1", "551100", "hi"))
	assert.False(t, hasHeader)
}

func TestSendMessage_GatewayRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "instance disconnected", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second, nil)
	err := c.SendMessage(context.Background(), "inst-1", "551100", "hi")
	assert.ErrorIs(t, err, ErrDeliveryFailed)
}

func TestSendMessage_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", 20*time.Millisecond, nil)
	err := c.SendMessage(context.Background(), "inst-1", "551100", "hi")
	assert.ErrorIs(t, err, ErrDeliveryFailed)
}

func TestSendMessage_UnreachableGateway(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "", 100*time.Millisecond, nil)
	err := c.SendMessage(context.Background(), "inst-1", "551100", "hi")
	assert.ErrorIs(t, err, ErrDeliveryFailed)
}
