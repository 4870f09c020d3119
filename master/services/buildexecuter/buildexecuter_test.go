package buildexecuter_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toxicbuild/master/common/logger"
	"github.com/toxicbuild/master/common/models"
	"github.com/toxicbuild/master/master/notify"
	"github.com/toxicbuild/master/master/services/buildexecuter"
	"github.com/toxicbuild/master/master/services/buildupdate"
	"github.com/toxicbuild/master/master/services/cancel"
	"github.com/toxicbuild/master/master/store/storetest"
)

// fakeSlaveRunner pretends to run builds: each RunBuild sleeps briefly then marks the build with
// the status configured for its builder, tracking how many builds were in flight at once.
type fakeSlaveRunner struct {
	stores    *storetest.Stores
	statusFor map[models.ResourceName]models.Status
	runFor    time.Duration

	mu      sync.Mutex
	active  int
	maxSeen int
	envVars []map[string]string
}

func (f *fakeSlaveRunner) RunBuild(ctx context.Context, slaveID models.SlaveID, build *models.Build, repo *models.Repo, envVars map[string]string) (bool, error) {
	f.mu.Lock()
	f.active++
	if f.active > f.maxSeen {
		f.maxSeen = f.active
	}
	f.envVars = append(f.envVars, envVars)
	f.mu.Unlock()

	time.Sleep(f.runFor)

	f.mu.Lock()
	f.active--
	f.mu.Unlock()

	status, ok := f.statusFor[build.BuilderName]
	if !ok {
		status = models.StatusSuccess
	}
	_, _, err := buildupdate.Build(ctx, f.stores.DB, f.stores.Builds, build.ID, func(b *models.Build) bool {
		b.Status = status
		now := models.NewTime(time.Now())
		b.StartedAt = &now
		b.FinishedAt = &now
		return true
	})
	return err == nil, err
}

type fakeSecrets struct {
	secrets map[string]string
	err     error
	calls   int
}

func (f *fakeSecrets) GetSecrets(ctx context.Context, owners []string) (map[string]string, error) {
	f.calls++
	return f.secrets, f.err
}

type noopForwarder struct{}

func (noopForwarder) DequeueBuild(ctx context.Context, slaveID models.SlaveID, buildID models.BuildID) error {
	return nil
}
func (noopForwarder) CancelBuild(ctx context.Context, slaveID models.SlaveID, buildUUID string) error {
	return nil
}

type fixture struct {
	stores   *storetest.Stores
	runner   *fakeSlaveRunner
	secrets  *fakeSecrets
	executer *buildexecuter.Service
	repo     *models.Repo
	slave    *models.Slave
}

func newFixture(t *testing.T, mutateRepo func(*models.Repo)) *fixture {
	stores := storetest.NewStores(t)
	runner := &fakeSlaveRunner{stores: stores, statusFor: map[models.ResourceName]models.Status{}}
	secrets := &fakeSecrets{}
	notifyService := notify.NewService(logger.NoOpLogFactory)
	canceler := cancel.NewService(stores.DB, stores.Builds, noopForwarder{}, notifyService, logger.NoOpLogFactory)
	executer := buildexecuter.NewService(
		stores.DB, stores.Builds, stores.BuildSet, stores.Repos, runner, secrets, canceler,
		notifyService, buildexecuter.Config{PollInterval: 10 * time.Millisecond}, logger.NoOpLogFactory)

	repo := stores.CreateRepo(t, "project-x", mutateRepo)
	slave := stores.CreateSlave(t, "slave-1", nil)
	return &fixture{stores: stores, runner: runner, secrets: secrets, executer: executer, repo: repo, slave: slave}
}

func (f *fixture) createBuilds(t *testing.T, names []string, triggers map[string][]models.BuildTrigger) (*models.BuildSet, []models.BuildID) {
	buildSet := f.stores.CreateBuildSet(t, f.repo, 1, "main")
	var ids []models.BuildID
	for i, name := range names {
		builder := f.stores.CreateBuilder(t, f.repo, name, i)
		builder.TriggeredBy = triggers[name]
		build := f.stores.CreateBuild(t, buildSet, builder, i+1, func(b *models.Build) {
			b.SlaveID = f.slave.ID
		})
		ids = append(ids, build.ID)
	}
	return buildSet, ids
}

func TestExecuteRunsEveryBuildToCompletion(t *testing.T) {
	f := newFixture(t, nil)
	buildSet, ids := f.createBuilds(t, []string{"unit-tests", "lint"}, nil)

	require.NoError(t, f.executer.Execute(context.Background(), f.repo.ID, buildSet.ID, ids))

	full, err := f.stores.BuildSet.ReadWithBuilds(context.Background(), nil, buildSet.ID)
	require.NoError(t, err)
	for _, b := range full.Builds {
		assert.Equal(t, models.StatusSuccess, b.Status)
	}
}

// TestParallelBuildsCap: with parallel_builds=2 and six builds, no more than two run at once.
func TestParallelBuildsCap(t *testing.T) {
	f := newFixture(t, func(r *models.Repo) { r.ParallelBuilds = 2 })
	f.runner.runFor = 50 * time.Millisecond

	buildSet, ids := f.createBuilds(t,
		[]string{"b1", "b2", "b3", "b4", "b5", "b6"}, nil)

	require.NoError(t, f.executer.Execute(context.Background(), f.repo.ID, buildSet.ID, ids))

	assert.LessOrEqual(t, f.runner.maxSeen, 2)

	full, err := f.stores.BuildSet.ReadWithBuilds(context.Background(), nil, buildSet.ID)
	require.NoError(t, err)
	for _, b := range full.Builds {
		assert.Equal(t, models.StatusSuccess, b.Status)
	}
}

// TestUnsatisfiableTriggerCancelsBuild: deploy requires unit-tests to succeed; unit-tests fails,
// so deploy is cancelled without ever running.
func TestUnsatisfiableTriggerCancelsBuild(t *testing.T) {
	f := newFixture(t, nil)
	f.runner.statusFor["unit-tests"] = models.StatusFail

	buildSet, ids := f.createBuilds(t, []string{"unit-tests", "deploy"},
		map[string][]models.BuildTrigger{
			"deploy": {{BuilderName: "unit-tests", Statuses: []models.Status{models.StatusSuccess}}},
		})

	require.NoError(t, f.executer.Execute(context.Background(), f.repo.ID, buildSet.ID, ids))

	full, err := f.stores.BuildSet.ReadWithBuilds(context.Background(), nil, buildSet.ID)
	require.NoError(t, err)
	byName := map[models.ResourceName]models.Status{}
	for _, b := range full.Builds {
		byName[b.BuilderName] = b.Status
	}
	assert.Equal(t, models.StatusFail, byName["unit-tests"])
	assert.Equal(t, models.StatusCancelled, byName["deploy"])

	full.RecomputeStatus()
	assert.Equal(t, models.StatusCancelled, full.Status)
}

// TestSatisfiedTriggerRunsDownstream: deploy requires unit-tests to succeed; unit-tests succeeds,
// so deploy runs afterwards.
func TestSatisfiedTriggerRunsDownstream(t *testing.T) {
	f := newFixture(t, nil)

	buildSet, ids := f.createBuilds(t, []string{"unit-tests", "deploy"},
		map[string][]models.BuildTrigger{
			"deploy": {{BuilderName: "unit-tests", Statuses: []models.Status{models.StatusSuccess}}},
		})

	require.NoError(t, f.executer.Execute(context.Background(), f.repo.ID, buildSet.ID, ids))

	full, err := f.stores.BuildSet.ReadWithBuilds(context.Background(), nil, buildSet.ID)
	require.NoError(t, err)
	for _, b := range full.Builds {
		assert.Equal(t, models.StatusSuccess, b.Status, b.BuilderName)
	}
}

// TestSecretsFailureProceedsWithRepoEnvVars: a secrets outage degrades to the repository's own
// envvars rather than blocking the build.
func TestSecretsFailureProceedsWithRepoEnvVars(t *testing.T) {
	f := newFixture(t, func(r *models.Repo) {
		r.EnvVars = models.EnvVars{"CI": "true"}
		r.SecretOwnerIDs = models.StringSet{"owner-1"}
	})
	f.secrets.err = errors.New("secrets service unavailable")

	buildSet, ids := f.createBuilds(t, []string{"unit-tests"}, nil)
	require.NoError(t, f.executer.Execute(context.Background(), f.repo.ID, buildSet.ID, ids))

	require.Len(t, f.runner.envVars, 1)
	assert.Equal(t, map[string]string{"CI": "true"}, f.runner.envVars[0])
	assert.Equal(t, 1, f.secrets.calls)
}

// TestSecretsMergedIntoEnvVars: resolved secrets are unioned with the repository's envvars.
func TestSecretsMergedIntoEnvVars(t *testing.T) {
	f := newFixture(t, func(r *models.Repo) {
		r.EnvVars = models.EnvVars{"CI": "true"}
		r.SecretOwnerIDs = models.StringSet{"owner-1"}
	})
	f.secrets.secrets = map[string]string{"API_KEY": "hunter2"}

	buildSet, ids := f.createBuilds(t, []string{"unit-tests"}, nil)
	require.NoError(t, f.executer.Execute(context.Background(), f.repo.ID, buildSet.ID, ids))

	require.Len(t, f.runner.envVars, 1)
	assert.Equal(t, map[string]string{"CI": "true", "API_KEY": "hunter2"}, f.runner.envVars[0])
}

// TestRunningBuildCounterReturnsToZero: repo.RunningBuilds is restored after execution.
func TestRunningBuildCounterReturnsToZero(t *testing.T) {
	f := newFixture(t, nil)
	buildSet, ids := f.createBuilds(t, []string{"unit-tests", "lint"}, nil)

	require.NoError(t, f.executer.Execute(context.Background(), f.repo.ID, buildSet.ID, ids))

	repo, err := f.stores.Repos.Read(context.Background(), nil, f.repo.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, repo.RunningBuilds)
}
