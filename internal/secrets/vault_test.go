package secrets

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quietbit/snapvault/internal/config"
)

// fakeVault answers the KV read API with the given response body.
func fakeVault(t *testing.T, gotToken *string, response map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*gotToken = r.Header.Get("X-Vault-Token")
		if response == nil {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":[]}`))
			return
		}
		require.NoError(t, json.NewEncoder(w).Encode(response))
	}))
}

func TestLookupKVv1(t *testing.T) {
	var gotToken string
	srv := fakeVault(t, &gotToken, map[string]any{
		"data": map[string]any{"username": "backup", "password": "pw"},
	})
	defer srv.Close()

	creds, err := Lookup(context.Background(), &config.VaultConfig{
		Address: srv.URL,
		Token:   "tok",
		Path:    "secret/appdb",
	})
	require.NoError(t, err)
	require.Equal(t, Credentials{Username: "backup", Password: "pw"}, creds)
	require.Equal(t, "tok", gotToken)
}

func TestLookupKVv2NestedData(t *testing.T) {
	var gotToken string
	srv := fakeVault(t, &gotToken, map[string]any{
		"data": map[string]any{
			"data":     map[string]any{"username": "backup", "password": "pw"},
			"metadata": map[string]any{"version": 3},
		},
	})
	defer srv.Close()

	creds, err := Lookup(context.Background(), &config.VaultConfig{
		Address: srv.URL,
		Token:   "tok",
		Path:    "secret/data/appdb",
	})
	require.NoError(t, err)
	require.Equal(t, "backup", creds.Username)
}

func TestLookupMissingSecret(t *testing.T) {
	var gotToken string
	srv := fakeVault(t, &gotToken, nil)
	defer srv.Close()

	_, err := Lookup(context.Background(), &config.VaultConfig{
		Address: srv.URL,
		Token:   "tok",
		Path:    "secret/missing",
	})
	require.Error(t, err)
}

func TestLookupMissingFields(t *testing.T) {
	var gotToken string
	srv := fakeVault(t, &gotToken, map[string]any{
		"data": map[string]any{"username": "backup"},
	})
	defer srv.Close()

	_, err := Lookup(context.Background(), &config.VaultConfig{
		Address: srv.URL,
		Token:   "tok",
		Path:    "secret/appdb",
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing username/password")
}
