package poller_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toxicbuild/master/common/logger"
	"github.com/toxicbuild/master/common/models"
	"github.com/toxicbuild/master/master/poller"
	"github.com/toxicbuild/master/master/store/storetest"
)

// recordingAdder records the revision batches handed to it.
type recordingAdder struct {
	mu      sync.Mutex
	batches [][]models.Revision
}

func (r *recordingAdder) AddBuilds(ctx context.Context, revisions []models.Revision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, revisions)
	return nil
}

func (r *recordingAdder) all() [][]models.Revision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]models.Revision(nil), r.batches...)
}

func TestPollAllFeedsManagerAndAdvancesCursors(t *testing.T) {
	stores := storetest.NewStores(t)
	repo := stores.CreateRepo(t, "project-x", nil)

	var polls []map[string]interface{}
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		polls = append(polls, body)
		n := len(polls)
		mu.Unlock()

		revisions := []map[string]interface{}{}
		if n == 1 {
			// only the first poll has anything new
			revisions = append(revisions, map[string]interface{}{
				"repo_id":     repo.ID.String(),
				"commit":      "abc123",
				"commit_date": models.NewTime(time.Now()),
				"branch":      "main",
				"author":      "dev",
				"title":       "a change",
			})
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"revisions": revisions})
	}))
	defer srv.Close()

	host, port := hostPort(t, srv)
	client := poller.NewClient(poller.Config{Host: host, Port: port, Token: "shared-secret"}, logger.NoOpLogFactory)

	adder := &recordingAdder{}
	scheduler := poller.NewScheduler(
		context.Background(), client, stores.Repos, adder,
		poller.SchedulerConfig{PollInterval: time.Minute, ConfigFilename: "toxicbuild.yml"},
		clock.NewMock(), logger.NoOpLogFactory)

	scheduler.PollAll(context.Background())
	scheduler.PollAll(context.Background())

	batches := adder.all()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	assert.Equal(t, "abc123", batches[0][0].Commit)

	// the second poll reported the branch cursor learned from the first
	require.Len(t, polls, 2)
	assert.Empty(t, polls[0]["since"])
	second := polls[1]["since"].(map[string]interface{})
	require.Contains(t, second, "main")
	known := polls[1]["known_branches"].([]interface{})
	assert.Equal(t, []interface{}{"main"}, known)
}

func TestSchedulerLoopPollsOnTicks(t *testing.T) {
	stores := storetest.NewStores(t)
	stores.CreateRepo(t, "project-x", nil)

	var mu sync.Mutex
	pollCount := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		pollCount++
		mu.Unlock()
		json.NewEncoder(w).Encode(map[string]interface{}{"revisions": []interface{}{}})
	}))
	defer srv.Close()

	host, port := hostPort(t, srv)
	client := poller.NewClient(poller.Config{Host: host, Port: port, Token: "shared-secret"}, logger.NoOpLogFactory)

	mock := clock.NewMock()
	scheduler := poller.NewScheduler(
		context.Background(), client, stores.Repos, &recordingAdder{},
		poller.SchedulerConfig{PollInterval: 30 * time.Second}, mock, logger.NoOpLogFactory)

	scheduler.Start()
	defer scheduler.Stop()

	// give the loop a moment to install its ticker before advancing the fake clock
	time.Sleep(20 * time.Millisecond)
	mock.Add(30 * time.Second)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return pollCount >= 1
	}, 2*time.Second, 10*time.Millisecond)
}
