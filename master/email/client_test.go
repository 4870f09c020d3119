package email_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toxicbuild/master/common/logger"
	"github.com/toxicbuild/master/master/email"
)

func TestSendPostsToSendEmail(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := email.NewClient(email.Config{APIURL: srv.URL, APIToken: "api-token"}, logger.NoOpLogFactory)
	err := client.Send(context.Background(), []string{"dev@example.com"}, "build failed", "see output")
	require.NoError(t, err)

	assert.Equal(t, "/send-email", gotPath)
	assert.Equal(t, "token: api-token", gotAuth)
	assert.Equal(t, []interface{}{"dev@example.com"}, gotBody["recipients"])
	assert.Equal(t, "build failed", gotBody["subject"])
	assert.Equal(t, "see output", gotBody["message"])
}

func TestSendNonOKIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := email.NewClient(email.Config{APIURL: srv.URL, APIToken: "wrong"}, logger.NoOpLogFactory)
	err := client.Send(context.Background(), []string{"dev@example.com"}, "s", "m")
	require.Error(t, err)
}
