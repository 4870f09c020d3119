package email_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toxicbuild/master/common/logger"
	"github.com/toxicbuild/master/master/email"
	"github.com/toxicbuild/master/master/notify"
)

func TestNotifierEmailsOnFailedBuild(t *testing.T) {
	var mu sync.Mutex
	var sent []map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		sent = append(sent, body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := email.NewClient(email.Config{APIURL: srv.URL, APIToken: "api-token"}, logger.NoOpLogFactory)
	bus := notify.NewService(logger.NoOpLogFactory)
	email.NewNotifier(client, []string{"dev@example.com"}, logger.NoOpLogFactory).Register(bus)

	bus.Emit(context.Background(), notify.BuildFinished, notify.Payload{
		"builder_name": "unit-tests",
		"branch":       "main",
		"status":       "fail",
		"steps": []map[string]interface{}{
			{"command": "make test", "output": "1 test failed\n"},
		},
	})
	bus.Emit(context.Background(), notify.BuildFinished, notify.Payload{
		"builder_name": "lint",
		"branch":       "main",
		"status":       "success",
	})
	bus.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sent, 1)
	assert.Equal(t, []interface{}{"dev@example.com"}, sent[0]["recipients"])
	assert.Equal(t, "Build unit-tests on main: fail", sent[0]["subject"])
	assert.Equal(t, "make test\n1 test failed\n", sent[0]["message"])
}
