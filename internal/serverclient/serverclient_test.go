package serverclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/lockbook/lockbook/internal/cryptography"
	"github.com/stretchr/testify/require"
)

func newSigner(t *testing.T) (Signer, *cryptography.SigningKeyPair) {
	t.Helper()
	kp, err := cryptography.NewSigningKeyPair()
	require.NoError(t, err)
	return NewSigner(kp), kp
}

func TestCallSignsAndDecodesSuccessResponse(t *testing.T) {
	signer, kp := newSigner(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/get_public_key", r.URL.Path)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		var env envelope
		require.NoError(t, json.Unmarshal(body, &env))
		require.Equal(t, []byte(kp.Public), env.PublicKey)

		payload := signingPayload(env.TimestampMs, env.Kind, env.Request)
		require.NoError(t, cryptography.Verify(env.PublicKey, payload, env.Signature))

		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(GetPublicKeyResponse{PublicKey: []byte{1, 2, 3}})
	}))
	defer srv.Close()

	c := New(srv.URL, signer)
	resp, err := c.GetPublicKey(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, resp.PublicKey)
}

func TestCall4xxReturnsAPIErrorWithoutRetry(t *testing.T) {
	signer, _ := newSigner(t)
	var hits int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error_code": "username_taken", "message": "taken"})
	}))
	defer srv.Close()

	c := New(srv.URL, signer)
	_, err := c.GetPublicKey(context.Background(), "alice")
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, "username_taken", apiErr.Code)
	require.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestCallRetriesTransientServerError(t *testing.T) {
	signer, _ := newSigner(t)
	var hits int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(GetUsageResponse{UsedBytes: 10, CapBytes: 100})
	}))
	defer srv.Close()

	c := New(srv.URL, signer)
	resp, err := c.GetUsage(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(10), resp.UsedBytes)
	require.GreaterOrEqual(t, atomic.LoadInt32(&hits), int32(2))
}

func TestSigningPayloadVariesWithEachComponent(t *testing.T) {
	base := signingPayload(1000, NewAccount, []byte("body"))
	diffTime := signingPayload(1001, NewAccount, []byte("body"))
	diffKind := signingPayload(1000, GetUpdates, []byte("body"))
	diffBody := signingPayload(1000, NewAccount, []byte("body2"))

	require.NotEqual(t, base, diffTime)
	require.NotEqual(t, base, diffKind)
	require.NotEqual(t, base, diffBody)
}
