package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBuildSetWithStatuses(statuses ...Status) *BuildSet {
	buildSet := NewBuildSet(NewRepoID(), 1, "abc123", "body", "main", "author", "title", NewTime(time.Now()))
	for i, s := range statuses {
		builder := NewBuilder(buildSet.RepoID, ResourceName("builder-"+string(rune('a'+i))), i)
		build := NewBuild(buildSet.ID, buildSet.RepoID, BuildNumber(i+1), "main", "abc123", builder, "main")
		build.Status = s
		buildSet.Builds = append(buildSet.Builds, build)
	}
	return buildSet
}

func TestRecomputeStatusFollowsPriorityOrder(t *testing.T) {
	buildSet := testBuildSetWithStatuses(StatusSuccess, StatusFail, StatusRunning)
	buildSet.RecomputeStatus()
	assert.Equal(t, StatusRunning, buildSet.Status)

	buildSet = testBuildSetWithStatuses(StatusSuccess, StatusSuccess)
	buildSet.RecomputeStatus()
	assert.Equal(t, StatusSuccess, buildSet.Status)

	buildSet = testBuildSetWithStatuses(StatusFail, StatusSuccess, StatusCancelled)
	buildSet.RecomputeStatus()
	assert.Equal(t, StatusCancelled, buildSet.Status)
}

func TestRecomputeStatusPreservesNoConfig(t *testing.T) {
	buildSet := testBuildSetWithStatuses()
	buildSet.Status = StatusNoConfig
	buildSet.RecomputeStatus()
	assert.Equal(t, StatusNoConfig, buildSet.Status)

	buildSet = testBuildSetWithStatuses()
	buildSet.Status = StatusPending
	buildSet.RecomputeStatus()
	assert.Equal(t, StatusNoBuilds, buildSet.Status)
}

func TestIsFinishedRequiresEveryBuildTerminal(t *testing.T) {
	buildSet := testBuildSetWithStatuses(StatusSuccess, StatusRunning)
	assert.False(t, buildSet.IsFinished())

	buildSet.Builds[1].Status = StatusFail
	assert.True(t, buildSet.IsFinished())

	empty := testBuildSetWithStatuses()
	assert.False(t, empty.IsFinished())
}

func TestGetPendingBuilds(t *testing.T) {
	buildSet := testBuildSetWithStatuses(StatusPending, StatusRunning, StatusPending)
	pending := buildSet.GetPendingBuilds()
	require.Len(t, pending, 2)
	for _, b := range pending {
		assert.Equal(t, StatusPending, b.Status)
	}
}

func TestGetBuildsFor(t *testing.T) {
	buildSet := testBuildSetWithStatuses(StatusPending, StatusPending)
	name := buildSet.Builds[0].BuilderName
	matches := buildSet.GetBuildsFor(name)
	require.Len(t, matches, 1)
	assert.Equal(t, name, matches[0].BuilderName)
}

func TestHasUnfinishedBuilds(t *testing.T) {
	assert.True(t, testBuildSetWithStatuses(StatusPending, StatusSuccess).HasUnfinishedBuilds())
	assert.True(t, testBuildSetWithStatuses(StatusRunning).HasUnfinishedBuilds())
	assert.False(t, testBuildSetWithStatuses(StatusSuccess, StatusFail).HasUnfinishedBuilds())
}

func TestWireTimeRoundTrip(t *testing.T) {
	in := NewTime(time.Date(2024, 3, 9, 17, 30, 5, 0, time.UTC))
	formatted := FormatWireTime(in)
	parsed, err := ParseWireTime(formatted)
	require.NoError(t, err)
	assert.Equal(t, in.UTC(), parsed.UTC())
}
