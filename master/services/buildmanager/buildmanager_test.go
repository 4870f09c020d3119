package buildmanager_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toxicbuild/master/common/logger"
	"github.com/toxicbuild/master/common/models"
	"github.com/toxicbuild/master/master/notify"
	"github.com/toxicbuild/master/master/services/buildmanager"
	"github.com/toxicbuild/master/master/services/buildupdate"
	"github.com/toxicbuild/master/master/services/cancel"
	"github.com/toxicbuild/master/master/store/storetest"
)

const twoBuilderConfig = `
builders:
  - name: unit-tests
  - name: lint
`

// signalRecorder subscribes to every lifecycle signal and records arrival order.
type signalRecorder struct {
	mu  sync.Mutex
	got []string
}

func (r *signalRecorder) attach(svc *notify.Service) {
	for _, signal := range []string{
		notify.BuildAdded, notify.BuildStarted, notify.BuildFinished, notify.BuildCanceled,
		notify.StepStarted, notify.StepFinished, notify.StepOutputArrived,
		notify.BuildSetAdded, notify.BuildSetStarted, notify.BuildSetFinished,
	} {
		signal := signal
		svc.Subscribe(signal, func(string, notify.Payload) {
			r.mu.Lock()
			r.got = append(r.got, signal)
			r.mu.Unlock()
		})
	}
}

func (r *signalRecorder) signals() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func (r *signalRecorder) count(signal string) int {
	n := 0
	for _, s := range r.signals() {
		if s == signal {
			n++
		}
	}
	return n
}

// indexOf returns the first position of signal, or -1.
func indexOf(signals []string, signal string) int {
	for i, s := range signals {
		if s == signal {
			return i
		}
	}
	return -1
}

// fakeSlaveRunner satisfies buildmanager.SlaveRunner without a slave daemon.
type fakeSlaveRunner struct {
	stores *storetest.Stores

	mu            sync.Mutex
	stopInstances int
}

func (f *fakeSlaveRunner) EnqueueBuild(ctx context.Context, slaveID models.SlaveID, buildID models.BuildID) (bool, error) {
	return true, nil
}

func (f *fakeSlaveRunner) StopInstance(ctx context.Context, slaveID models.SlaveID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopInstances++
	return false, nil
}

// fakeExecuter runs each admitted build straight to success, emitting the build lifecycle
// signals the slave session would.
type fakeExecuter struct {
	stores *storetest.Stores
	notify *notify.Service
}

func (f *fakeExecuter) Execute(ctx context.Context, repoID models.RepoID, buildSetID models.BuildSetID, buildIDs []models.BuildID) error {
	for _, id := range buildIDs {
		updated, _, err := buildupdate.Build(ctx, f.stores.DB, f.stores.Builds, id, func(b *models.Build) bool {
			b.Status = models.StatusRunning
			now := models.NewTime(time.Now())
			b.StartedAt = &now
			return true
		})
		if err != nil {
			return err
		}
		f.notify.Emit(ctx, notify.BuildStarted, notify.Payload(updated.ToDict()))

		updated, _, err = buildupdate.Build(ctx, f.stores.DB, f.stores.Builds, id, func(b *models.Build) bool {
			b.Status = models.StatusSuccess
			now := models.NewTime(time.Now())
			b.FinishedAt = &now
			return true
		})
		if err != nil {
			return err
		}
		f.notify.Emit(ctx, notify.BuildFinished, notify.Payload(updated.ToDict()))
	}
	return nil
}

type fixture struct {
	stores   *storetest.Stores
	manager  *buildmanager.Service
	notify   *notify.Service
	recorder *signalRecorder
	runner   *fakeSlaveRunner
	repo     *models.Repo
	slave    *models.Slave
}

func newFixture(t *testing.T, mutateRepo func(*models.Repo)) *fixture {
	stores := storetest.NewStores(t)
	notifyService := notify.NewService(logger.NoOpLogFactory)
	recorder := &signalRecorder{}
	recorder.attach(notifyService)

	runner := &fakeSlaveRunner{stores: stores}
	executer := &fakeExecuter{stores: stores, notify: notifyService}
	canceler := cancel.NewService(stores.DB, stores.Builds, noopForwarder{}, notifyService, logger.NoOpLogFactory)

	slave := stores.CreateSlave(t, "slave-1", nil)
	repo := stores.CreateRepo(t, "project-x", func(r *models.Repo) {
		r.SlaveIDs = models.SlaveIDs{slave.ID}
		if mutateRepo != nil {
			mutateRepo(r)
		}
	})

	manager := buildmanager.NewService(
		stores.DB, stores.Repos, stores.Slaves, stores.Builders, stores.Builds, stores.BuildSet,
		runner, executer, canceler, notifyService, logger.NoOpLogFactory)

	return &fixture{
		stores: stores, manager: manager, notify: notifyService,
		recorder: recorder, runner: runner, repo: repo, slave: slave,
	}
}

type noopForwarder struct{}

func (noopForwarder) DequeueBuild(ctx context.Context, slaveID models.SlaveID, buildID models.BuildID) error {
	return nil
}
func (noopForwarder) CancelBuild(ctx context.Context, slaveID models.SlaveID, buildUUID string) error {
	return nil
}

func (f *fixture) revision(commit, branch string, config string) models.Revision {
	return models.Revision{
		RepoID:      f.repo.ID,
		Commit:      commit,
		CommitDate:  models.NewTime(time.Now()),
		Branch:      branch,
		Author:      "dev",
		Title:       "change " + commit,
		BuildConfig: []byte(config),
	}
}

// TestAddBuildsRunsRevisionToSuccess is the happy path end to end: one revision with two
// builders becomes one buildset with two builds, both run to success, and the lifecycle signals
// fire in order.
func TestAddBuildsRunsRevisionToSuccess(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.manager.AddBuilds(ctx, []models.Revision{f.revision("c1", "main", twoBuilderConfig)}))
	f.manager.Wait()

	sets, err := f.stores.BuildSet.ListByRepoAndBranch(ctx, nil, f.repo.ID, "main")
	require.NoError(t, err)
	require.Len(t, sets, 1)
	assert.Equal(t, models.BuildSetNumber(1), sets[0].Number)

	full, err := f.stores.BuildSet.ReadWithBuilds(ctx, nil, sets[0].ID)
	require.NoError(t, err)
	require.Len(t, full.Builds, 2)
	numbers := map[models.BuildNumber]bool{}
	for _, b := range full.Builds {
		assert.Equal(t, models.StatusSuccess, b.Status)
		numbers[b.Number] = true
	}
	assert.Equal(t, map[models.BuildNumber]bool{1: true, 2: true}, numbers)
	assert.Equal(t, models.StatusSuccess, full.Status)
	require.NotNil(t, full.FinishedAt)
	require.NotNil(t, full.TotalTime)

	signals := f.recorder.signals()
	assert.Equal(t, 2, f.recorder.count(notify.BuildAdded))
	assert.Equal(t, 2, f.recorder.count(notify.BuildStarted))
	assert.Equal(t, 2, f.recorder.count(notify.BuildFinished))
	assert.Less(t, indexOf(signals, notify.BuildSetAdded), indexOf(signals, notify.BuildSetStarted))
	assert.Less(t, indexOf(signals, notify.BuildSetStarted), indexOf(signals, notify.BuildStarted))
	assert.Less(t, indexOf(signals, notify.BuildStarted), indexOf(signals, notify.BuildFinished))
	assert.Less(t, indexOf(signals, notify.BuildFinished), indexOf(signals, notify.BuildSetFinished))

	// the repository's latest buildset pointer moved
	repo, err := f.stores.Repos.Read(ctx, nil, f.repo.ID)
	require.NoError(t, err)
	assert.Equal(t, sets[0].ID, repo.LatestBuildSetID)

	// queue drained: every slave got a stop-instance sweep
	assert.NotZero(t, f.runner.stopInstances)
}

// TestNoConfigRevisionEmitsAddedButNeverQueues: a revision without a build config becomes a
// no_config buildset that is announced but never executed.
func TestNoConfigRevisionEmitsAddedButNeverQueues(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.manager.AddBuilds(ctx, []models.Revision{f.revision("c1", "main", "")}))
	f.manager.Wait()

	sets, err := f.stores.BuildSet.ListByRepoAndBranch(ctx, nil, f.repo.ID, "main")
	require.NoError(t, err)
	require.Len(t, sets, 1)
	assert.Equal(t, models.StatusNoConfig, sets[0].Status)

	assert.Equal(t, 1, f.recorder.count(notify.BuildSetAdded))
	assert.Zero(t, f.recorder.count(notify.BuildSetStarted))
	assert.Zero(t, f.recorder.count(notify.BuildSetFinished))
}

// TestMalformedConfigBecomesNoBuilds: a config that fails to parse logs the error and proceeds
// with an empty builder list, leaving a no_builds buildset.
func TestMalformedConfigBecomesNoBuilds(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.manager.AddBuilds(ctx, []models.Revision{
		f.revision("c1", "main", "builders: [unclosed"),
	}))
	f.manager.Wait()

	sets, err := f.stores.BuildSet.ListByRepoAndBranch(ctx, nil, f.repo.ID, "main")
	require.NoError(t, err)
	require.Len(t, sets, 1)
	assert.Equal(t, models.StatusNoBuilds, sets[0].Status)
}

// TestBuildNumbersAreMonotoneAcrossBuildSets: n revisions assign build numbers 1..2n with no
// duplicates across buildsets.
func TestBuildNumbersAreMonotoneAcrossBuildSets(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.manager.AddBuilds(ctx, []models.Revision{
		f.revision("c1", "main", twoBuilderConfig),
	}))
	f.manager.Wait()
	require.NoError(t, f.manager.AddBuilds(ctx, []models.Revision{
		f.revision("c2", "main", twoBuilderConfig),
	}))
	f.manager.Wait()

	sets, err := f.stores.BuildSet.ListByRepoAndBranch(ctx, nil, f.repo.ID, "main")
	require.NoError(t, err)
	require.Len(t, sets, 2)

	seen := map[models.BuildNumber]bool{}
	for _, set := range sets {
		full, err := f.stores.BuildSet.ReadWithBuilds(ctx, nil, set.ID)
		require.NoError(t, err)
		for _, b := range full.Builds {
			assert.False(t, seen[b.Number], "duplicate build number %d", b.Number)
			seen[b.Number] = true
		}
	}
	assert.Equal(t, map[models.BuildNumber]bool{1: true, 2: true, 3: true, 4: true}, seen)
}

// TestCancelPreviousPending: with three pending buildsets on the branch, cancelling previous
// pending from the newest cancels the builds of the two older ones and leaves the newest alone.
func TestCancelPreviousPending(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	builder := f.stores.CreateBuilder(t, f.repo, "unit-tests", 0)
	var sets []*models.BuildSet
	for i := 1; i <= 3; i++ {
		set := f.stores.CreateBuildSet(t, f.repo, i, "main")
		f.stores.CreateBuild(t, set, builder, i, nil)
		sets = append(sets, set)
	}

	require.NoError(t, f.manager.CancelPreviousPending(ctx, sets[2]))

	for i, set := range sets {
		full, err := f.stores.BuildSet.ReadWithBuilds(ctx, nil, set.ID)
		require.NoError(t, err)
		require.Len(t, full.Builds, 1)
		if i < 2 {
			assert.Equal(t, models.StatusCancelled, full.Builds[0].Status, "buildset %d", i+1)
		} else {
			assert.Equal(t, models.StatusPending, full.Builds[0].Status)
		}
	}
}

// TestStartPendingRequeuesUnfinishedBuildSets: buildsets still pending in the store are picked
// up again at process start.
func TestStartPendingRequeuesUnfinishedBuildSets(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	builder := f.stores.CreateBuilder(t, f.repo, "unit-tests", 0)
	set := f.stores.CreateBuildSet(t, f.repo, 1, "main")
	f.stores.CreateBuild(t, set, builder, 1, func(b *models.Build) {
		b.SlaveID = f.slave.ID
	})

	require.NoError(t, f.manager.StartPending(ctx, f.repo.ID))
	f.manager.Wait()

	full, err := f.stores.BuildSet.ReadWithBuilds(ctx, nil, set.ID)
	require.NoError(t, err)
	require.Len(t, full.Builds, 1)
	assert.Equal(t, models.StatusSuccess, full.Builds[0].Status)
	assert.Equal(t, models.StatusSuccess, full.Status)
}

// TestNotifyOnlyLatestCancelsOlderPending: with the branch policy set, adding a new revision
// cancels the still-pending builds of earlier buildsets on that branch.
func TestNotifyOnlyLatestCancelsOlderPending(t *testing.T) {
	f := newFixture(t, func(r *models.Repo) {
		r.BranchPolicies = models.BranchPolicies{"main": {NotifyOnlyLatest: true}}
	})
	ctx := context.Background()

	// an older buildset whose build never ran
	builder := f.stores.CreateBuilder(t, f.repo, "stale", 0)
	stale := f.stores.CreateBuildSet(t, f.repo, 1, "main")
	staleBuild := f.stores.CreateBuild(t, stale, builder, 1, nil)

	require.NoError(t, f.manager.AddBuilds(ctx, []models.Revision{
		f.revision("c2", "main", twoBuilderConfig),
	}))
	f.manager.Wait()

	loaded, err := f.stores.Builds.Read(ctx, nil, staleBuild.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, loaded.Status)
}
