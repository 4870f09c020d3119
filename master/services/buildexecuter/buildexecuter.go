// Package buildexecuter implements BuildExecuter: given one buildset's list of
// pending, slave-assigned builds, it runs as many of them concurrently as the repository's
// parallel_builds cap and each build's triggered_by rules allow, cancelling any build whose rules
// can never be satisfied, and returns once every build in the list has left admission.
package buildexecuter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/toxicbuild/master/common/gerror"
	"github.com/toxicbuild/master/common/logger"
	"github.com/toxicbuild/master/common/models"
	"github.com/toxicbuild/master/master/notify"
	"github.com/toxicbuild/master/master/services/buildupdate"
	"github.com/toxicbuild/master/master/services/trigger"
	"github.com/toxicbuild/master/master/store"
	"github.com/toxicbuild/master/master/store/builds"
	"github.com/toxicbuild/master/master/store/buildsets"
	"github.com/toxicbuild/master/master/store/repos"
)

// DefaultPollInterval is the fallback wake-up period for the admission loop, used whenever no
// build completion or trigger re-check has already woken it.
const DefaultPollInterval = 2 * time.Second

// SlaveRunner is the subset of master/services/slave.Service BuildExecuter needs: run one
// already-slave-assigned build to completion.
type SlaveRunner interface {
	RunBuild(ctx context.Context, slaveID models.SlaveID, build *models.Build, repo *models.Repo, envVars map[string]string) (bool, error)
}

// SecretsClient is the subset of master/secrets.Client BuildExecuter needs to resolve a build's
// envvars.
type SecretsClient interface {
	GetSecrets(ctx context.Context, owners []string) (map[string]string, error)
}

// Canceler is the subset of master/services/cancel.Service BuildExecuter needs to drop an
// unsatisfiable build.
type Canceler interface {
	CancelBuild(ctx context.Context, build *models.Build) error
}

// Config bounds the admission loop's wake-up interval.
type Config struct {
	PollInterval time.Duration
}

// Service runs BuildExecuter.execute() for one buildset at a time per caller; the type itself is
// process-wide and holds no per-buildset state between calls (that lives in the run value each
// Execute call constructs), so one Service instance safely serves every repository's consumer loop.
type Service struct {
	db            *store.DB
	buildStore    *builds.BuildStore
	buildSetStore *buildsets.BuildSetStore
	repoStore     *repos.RepoStore
	slaves        SlaveRunner
	secrets       SecretsClient
	canceler      Canceler
	notify        *notify.Service
	cfg           Config
	log           logger.Log
}

func NewService(
	db *store.DB,
	buildStore *builds.BuildStore,
	buildSetStore *buildsets.BuildSetStore,
	repoStore *repos.RepoStore,
	slaves SlaveRunner,
	secrets SecretsClient,
	canceler Canceler,
	notifyService *notify.Service,
	cfg Config,
	logFactory logger.LogFactory,
) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Service{
		db:            db,
		buildStore:    buildStore,
		buildSetStore: buildSetStore,
		repoStore:     repoStore,
		slaves:        slaves,
		secrets:       secrets,
		canceler:      canceler,
		notify:        notifyService,
		cfg:           cfg,
		log:           logFactory("BuildExecuter"),
	}
}

// run is the mutable state of one Execute call: the internal admission queue, the running-task
// count (mirrored from repo.RunningBuilds for the benefit of this goroutine's own admission
// decisions without a re-read on every check), and the fire-and-forget task set.
type run struct {
	mu      sync.Mutex
	queue   map[models.BuildID]bool
	running int
	wg      sync.WaitGroup
	wake    chan struct{}
}

func newRun(buildIDs []models.BuildID) *run {
	queue := make(map[models.BuildID]bool, len(buildIDs))
	for _, id := range buildIDs {
		queue[id] = true
	}
	return &run{queue: queue, wake: make(chan struct{}, 1)}
}

func (r *run) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *run) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Execute runs buildSetID's admission loop over buildIDs (every build already reloaded as pending
// and assigned a slave by the caller) to completion, returning only once every build has left
// the internal queue.
func (s *Service) Execute(ctx context.Context, repoID models.RepoID, buildSetID models.BuildSetID, buildIDs []models.BuildID) error {
	r := newRun(buildIDs)
	s.admissionStep(ctx, repoID, buildSetID, r)

	for r.size() > 0 {
		select {
		case <-ctx.Done():
			r.wg.Wait()
			return ctx.Err()
		case <-r.wake:
		case <-time.After(s.cfg.PollInterval):
		}
		if r.size() == 0 {
			break
		}
		s.admissionStep(ctx, repoID, buildSetID, r)
	}
	r.wg.Wait()
	return nil
}

// admissionStep implements _execute_builds's single pass: reload the repository (to re-read
// parallel_builds and the live running-build counter) and the buildset (to re-read every
// sibling's status), decide each still-queued build's fate, then call handleQueueChanges.
func (s *Service) admissionStep(ctx context.Context, repoID models.RepoID, buildSetID models.BuildSetID, r *run) {
	repo, err := s.repoStore.Read(ctx, nil, repoID)
	if err != nil {
		s.log.WithField("repo_id", repoID.String()).Errorf("error reloading repo for admission: %v", err)
		return
	}
	buildSet, err := s.buildSetStore.ReadWithBuilds(ctx, nil, buildSetID)
	if err != nil {
		s.log.WithField("buildset_id", buildSetID.String()).Errorf("error reloading buildset for admission: %v", err)
		return
	}

	r.mu.Lock()
	pending := make([]models.BuildID, 0, len(r.queue))
	for id := range r.queue {
		pending = append(pending, id)
	}
	r.mu.Unlock()

	for _, buildID := range pending {
		build := findBuild(buildSet, buildID)
		if build == nil {
			r.mu.Lock()
			delete(r.queue, buildID)
			r.mu.Unlock()
			continue
		}

		switch trigger.Evaluate(build, buildSet) {
		case trigger.Unsatisfiable:
			if err := s.canceler.CancelBuild(ctx, build); err != nil && !gerror.IsImpossibleCancellation(err) {
				s.log.WithField("build_id", build.ID.String()).Warnf("error cancelling unsatisfiable build: %v", err)
			}
			r.mu.Lock()
			delete(r.queue, buildID)
			r.mu.Unlock()
		case trigger.Ready:
			r.mu.Lock()
			limitOK := repo.ParallelBuilds == 0 || r.running < repo.ParallelBuilds
			if limitOK {
				r.running++
			}
			r.mu.Unlock()
			if limitOK {
				r.wg.Add(1)
				go s.runBuild(ctx, repo, build, r)
			}
		case trigger.NotReady:
			// Stays queued: either no longer pending (reconciled by handleQueueChanges below) or a
			// referenced sibling hasn't reached a terminal status yet.
		}
	}

	s.handleQueueChanges(ctx, buildSetID, r)
}

// handleQueueChanges implements _handle_queue_changes: drop from the internal queue any build
// whose status is no longer in {pending, preparing, running} - e.g. externally cancelled while
// still queued here.
func (s *Service) handleQueueChanges(ctx context.Context, buildSetID models.BuildSetID, r *run) {
	buildSet, err := s.buildSetStore.ReadWithBuilds(ctx, nil, buildSetID)
	if err != nil {
		s.log.WithField("buildset_id", buildSetID.String()).Warnf("error reloading buildset for queue reconciliation: %v", err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.queue {
		build := findBuild(buildSet, id)
		if build == nil || !isQueueable(build.Status) {
			delete(r.queue, id)
		}
	}
}

func isQueueable(status models.Status) bool {
	return status == models.StatusPending || status == models.StatusPreparing || status == models.StatusRunning
}

// runBuild implements _run_build: resolve envvars, run the build on its assigned slave, and
// guarantee the queue/counter bookkeeping happens on every exit path including a panic escaping
// s.slaves.RunBuild.
func (s *Service) runBuild(ctx context.Context, repo *models.Repo, build *models.Build, r *run) {
	if err := s.addRunningBuild(ctx, repo.ID); err != nil {
		s.log.WithField("repo_id", repo.ID.String()).Warnf("error incrementing running build count: %v", err)
	}

	defer func() {
		r.mu.Lock()
		delete(r.queue, build.ID)
		r.running--
		r.mu.Unlock()
		if err := s.removeRunningBuild(ctx, repo.ID); err != nil {
			s.log.WithField("repo_id", repo.ID.String()).Warnf("error decrementing running build count: %v", err)
		}
		r.signal()
		r.wg.Done()
	}()

	envVars := s.resolveEnvVars(ctx, repo, build)

	err := s.runOnSlave(ctx, build, repo, envVars)
	if err != nil {
		s.log.WithField("build_id", build.ID.String()).Errorf("build ended in an unhandled exception: %v", err)
		updated, _, updErr := buildupdate.Build(ctx, s.db, s.buildStore, build.ID, func(b *models.Build) bool {
			if b.IsTerminal() {
				return false
			}
			b.SetUnknownException(err.Error())
			return true
		})
		if updErr != nil {
			s.log.WithField("build_id", build.ID.String()).Errorf("error persisting unknown exception: %v", updErr)
			return
		}
		if updated != nil {
			s.notify.Emit(ctx, notify.BuildFinished, notify.Payload(updated.ToDict()))
		}
	}
}

// runOnSlave recovers a panic escaping s.slaves.RunBuild into a plain error; a single goroutine
// failing to recover here would otherwise crash the whole process.
func (s *Service) runOnSlave(ctx context.Context, build *models.Build, repo *models.Repo, envVars map[string]string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic running build %s: %v", build.ID.String(), p)
		}
	}()
	_, err = s.slaves.RunBuild(ctx, build.SlaveID, build, repo, envVars)
	return err
}

// resolveEnvVars implements the envvars union in _run_build: the repository's own envvars, plus
// secrets for its owners unless the build was created from an external trigger. Any secrets-client
// failure is logged and treated as an empty secret set.
func (s *Service) resolveEnvVars(ctx context.Context, repo *models.Repo, build *models.Build) map[string]string {
	envVars := repo.EnvVars
	if build.External.Valid() || len(repo.SecretOwnerIDs) == 0 {
		return map[string]string(envVars)
	}
	secrets, err := s.secrets.GetSecrets(ctx, []string(repo.SecretOwnerIDs))
	if err != nil {
		s.log.WithField("repo_id", repo.ID.String()).Warnf("error resolving secrets, proceeding with empty secret set: %v", err)
		return map[string]string(envVars)
	}
	return map[string]string(envVars.Merge(secrets))
}

func (s *Service) addRunningBuild(ctx context.Context, repoID models.RepoID) error {
	return s.db.WithTx(ctx, nil, func(tx *store.Tx) error {
		if err := s.repoStore.LockRowForUpdate(ctx, tx, repoID); err != nil {
			return err
		}
		repo, err := s.repoStore.Read(ctx, tx, repoID)
		if err != nil {
			return err
		}
		repo.AddRunningBuild()
		return s.repoStore.Update(ctx, tx, repo)
	})
}

func (s *Service) removeRunningBuild(ctx context.Context, repoID models.RepoID) error {
	return s.db.WithTx(ctx, nil, func(tx *store.Tx) error {
		if err := s.repoStore.LockRowForUpdate(ctx, tx, repoID); err != nil {
			return err
		}
		repo, err := s.repoStore.Read(ctx, tx, repoID)
		if err != nil {
			return err
		}
		if repo.RunningBuilds <= 0 {
			return nil
		}
		repo.RemoveRunningBuild()
		return s.repoStore.Update(ctx, tx, repo)
	})
}

func findBuild(buildSet *models.BuildSet, id models.BuildID) *models.Build {
	for _, b := range buildSet.Builds {
		if b.ID == id {
			return b
		}
	}
	return nil
}
