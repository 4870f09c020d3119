package secrets_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toxicbuild/master/common/logger"
	"github.com/toxicbuild/master/master/secrets"
)

func newClient(t *testing.T, srv *httptest.Server) *secrets.Client {
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return secrets.NewClient(secrets.Config{Host: u.Hostname(), Port: port, Token: "shared-secret"}, logger.NoOpLogFactory)
}

func TestGetSecrets(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]string{"API_KEY": "hunter2"})
	}))
	defer srv.Close()

	client := newClient(t, srv)
	out, err := client.GetSecrets(context.Background(), []string{"owner-1", "owner-2"})
	require.NoError(t, err)

	assert.Equal(t, "/get-secrets", gotPath)
	assert.True(t, strings.HasPrefix(gotAuth, "Bearer "))
	assert.Equal(t, []interface{}{"owner-1", "owner-2"}, gotBody["owners"])
	assert.Equal(t, map[string]string{"API_KEY": "hunter2"}, out)
}

func TestAddRemoveSecrets(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	client := newClient(t, srv)
	ctx := context.Background()
	require.NoError(t, client.AddOrUpdateSecret(ctx, "owner-1", "API_KEY", "hunter2"))
	require.NoError(t, client.RemoveSecret(ctx, "owner-1", "API_KEY"))
	require.NoError(t, client.RemoveAll(ctx, "owner-1"))

	assert.Equal(t, []string{"/add-or-update-secret", "/remove-secret", "/remove-all"}, paths)
}

func TestGetSecretsNonOKIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	client := newClient(t, srv)
	_, err := client.GetSecrets(context.Background(), []string{"owner-1"})
	require.Error(t, err)
}
