// Package buildmanager implements BuildManager: turning polled revisions into
// buildsets and builds, and running one consumer loop per repository that feeds ready buildsets to
// BuildExecuter in FIFO order. Each repository gets its own queue rather than sharing one,
// since admission (parallel_builds, triggered_by) is scoped to one repository at a time.
package buildmanager

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/toxicbuild/master/common/gerror"
	"github.com/toxicbuild/master/common/logger"
	"github.com/toxicbuild/master/common/models"
	"github.com/toxicbuild/master/master/buildconfig"
	"github.com/toxicbuild/master/master/notify"
	"github.com/toxicbuild/master/master/store"
	"github.com/toxicbuild/master/master/store/builders"
	"github.com/toxicbuild/master/master/store/builds"
	"github.com/toxicbuild/master/master/store/buildsets"
	"github.com/toxicbuild/master/master/store/repos"
	"github.com/toxicbuild/master/master/store/slaves"
)

// Canceler is the subset of master/services/cancel.Service BuildManager needs.
type Canceler interface {
	Cancel(ctx context.Context, buildID models.BuildID) error
	CancelBuild(ctx context.Context, build *models.Build) error
}

// SlaveRunner is the subset of master/services/slave.Service BuildManager needs: assign a build to
// a slave's queue, and stop an idle on-demand slave's instance once a repository's queue drains.
type SlaveRunner interface {
	EnqueueBuild(ctx context.Context, slaveID models.SlaveID, buildID models.BuildID) (bool, error)
	StopInstance(ctx context.Context, slaveID models.SlaveID) (bool, error)
}

// Executer is the subset of master/services/buildexecuter.Service BuildManager needs: run one
// buildset's admitted builds to completion.
type Executer interface {
	Execute(ctx context.Context, repoID models.RepoID, buildSetID models.BuildSetID, buildIDs []models.BuildID) error
}

// Service is the process-wide BuildManager: one instance serves every repository, launching a
// consumer goroutine per repository on demand and tearing it down once its queue empties.
type Service struct {
	db            *store.DB
	repoStore     *repos.RepoStore
	slaveStore    *slaves.SlaveStore
	builderStore  *builders.BuilderStore
	buildStore    *builds.BuildStore
	buildSetStore *buildsets.BuildSetStore

	slaves   SlaveRunner
	executer Executer
	canceler Canceler
	notify   *notify.Service

	log logger.Log

	queues *queueRegistry
}

func NewService(
	db *store.DB,
	repoStore *repos.RepoStore,
	slaveStore *slaves.SlaveStore,
	builderStore *builders.BuilderStore,
	buildStore *builds.BuildStore,
	buildSetStore *buildsets.BuildSetStore,
	slaveRunner SlaveRunner,
	executer Executer,
	canceler Canceler,
	notifyService *notify.Service,
	logFactory logger.LogFactory,
) *Service {
	return &Service{
		db:            db,
		repoStore:     repoStore,
		slaveStore:    slaveStore,
		builderStore:  builderStore,
		buildStore:    buildStore,
		buildSetStore: buildSetStore,
		slaves:        slaveRunner,
		executer:      executer,
		canceler:      canceler,
		notify:        notifyService,
		log:           logFactory("BuildManager"),
		queues:        newQueueRegistry(),
	}
}

// Wait blocks until every consumer loop launched by this Service has exited, for use at shutdown.
func (s *Service) Wait() {
	s.queues.wg.Wait()
}

// AddBuilds implements BuildManager.add_builds: each revision becomes one buildset (and, when it
// declares a build config, that buildset's builds); once every revision has been processed, if the
// most recently created buildset is on a branch policed notify-only-latest, its repository's
// earlier pending buildsets are cancelled.
func (s *Service) AddBuilds(ctx context.Context, revisions []models.Revision) error {
	var lastBuildSet *models.BuildSet
	var lastRepoID models.RepoID
	var lastBranch string

	for i := range revisions {
		rev := &revisions[i]
		if err := rev.Validate(); err != nil {
			return err
		}
		if !rev.CreateBuilds() {
			continue
		}
		buildSet, err := s.addBuildsForRevision(ctx, rev)
		if err != nil {
			return err
		}
		if buildSet != nil {
			lastBuildSet = buildSet
			lastRepoID = rev.RepoID
			lastBranch = rev.Branch
		}
	}

	if lastBuildSet == nil {
		return nil
	}

	repo, err := s.repoStore.Read(ctx, nil, lastRepoID)
	if err != nil {
		return err
	}
	if !repo.NotifyOnlyLatest(lastBranch) {
		return nil
	}
	if err := s.CancelPreviousPending(ctx, lastBuildSet); err != nil {
		s.log.WithField("repo_id", lastRepoID.String()).Warnf(
			"error cancelling previous pending buildsets: %v", err)
	}
	return nil
}

// addBuildsForRevision creates the buildset for one revision, resolving and attaching its builds
// when the revision carries a build config; returns the created buildset (nil only on error).
func (s *Service) addBuildsForRevision(ctx context.Context, rev *models.Revision) (*models.BuildSet, error) {
	number, err := s.buildSetStore.MaxNumberByRepo(ctx, nil, rev.RepoID)
	if err != nil {
		return nil, err
	}
	buildSet := models.NewBuildSet(
		rev.RepoID, number+1, rev.Commit, rev.CommitBody, rev.Branch, rev.Author, rev.Title, rev.CommitDate)

	if len(rev.BuildConfig) == 0 {
		buildSet.Status = models.StatusNoConfig
		if err := s.buildSetStore.Create(ctx, nil, buildSet); err != nil {
			return nil, err
		}
		s.notify.Emit(ctx, notify.BuildSetAdded, notify.Payload(buildSet.ToDict()))
		return buildSet, nil
	}

	if err := s.buildSetStore.Create(ctx, nil, buildSet); err != nil {
		return nil, err
	}

	repo, err := s.repoStore.Read(ctx, nil, rev.RepoID)
	if err != nil {
		return nil, err
	}

	conf, parseErr := s.parseBuildConfig(repo, rev.BuildConfig)
	var builderList []*models.Builder
	origin := rev.Branch
	if parseErr != nil {
		s.log.WithField("repo_id", rev.RepoID.String()).Errorf(
			"error parsing build config, proceeding with no builders: %v", parseErr)
	} else {
		builderList, origin, err = s.GetBuilders(ctx, rev, conf, nil, nil)
		if err != nil {
			return nil, err
		}
	}

	if err := s.AddBuildsForBuildSet(ctx, buildSet, builderList, origin); err != nil {
		return nil, err
	}
	return buildSet, nil
}

func (s *Service) parseBuildConfig(repo *models.Repo, raw []byte) (buildconfig.Config, error) {
	parser, err := buildconfig.ParserFor(buildconfig.ConfigType(repo.ConfigType))
	if err != nil {
		return nil, err
	}
	return parser.Parse(raw)
}

// GetBuilders implements BuildManager.get_builders: resolve conf's builder list for the revision's
// branch, falling back to builders_fallback if the branch has none of its own, then apply the
// repository's include/exclude glob filter. A malformed-config error from conf
// is logged and treated as an empty builder list rather than propagated, matching the parse-error
// handling in addBuildsForRevision.
func (s *Service) GetBuilders(
	ctx context.Context, rev *models.Revision, conf buildconfig.Config, include, exclude []string,
) ([]*models.Builder, string, error) {
	origin := rev.Branch
	builderConfs, err := conf.ListBuilders(origin)
	if err != nil {
		s.log.WithField("repo_id", rev.RepoID.String()).Errorf("error listing builders: %v", err)
		return nil, origin, nil
	}

	if len(builderConfs) == 0 && rev.BuildersFallback != "" {
		origin = rev.BuildersFallback
		builderConfs, err = conf.ListBuilders(origin)
		if err != nil {
			s.log.WithField("repo_id", rev.RepoID.String()).Errorf(
				"error listing builders from fallback branch %q: %v", origin, err)
			return nil, origin, nil
		}
	}

	builderConfs = buildconfig.FilterBuilders(builderConfs, include, exclude)

	result := make([]*models.Builder, 0, len(builderConfs))
	for i, bc := range builderConfs {
		builder, err := s.builderStore.GetOrCreate(ctx, rev.RepoID, bc.Name, i)
		if err != nil {
			return nil, origin, err
		}
		builder.TriggeredBy = bc.TriggeredBy
		if builder.Position != i {
			builder.Position = i
			if err := s.builderStore.Update(ctx, nil, builder); err != nil {
				return nil, origin, err
			}
		}
		result = append(result, builder)
	}
	return result, origin, nil
}

// AddBuildsForBuildSet implements BuildManager.add_builds_for_buildset: append one Build per
// builder to buildSet, filtering each build's triggered_by to rules naming a builder present in
// this resolved set, then enqueue the buildset on its repository's consumer loop, launching the
// loop if it isn't already running.
func (s *Service) AddBuildsForBuildSet(
	ctx context.Context, buildSet *models.BuildSet, builders []*models.Builder, origin string,
) error {
	lastNumber, err := s.buildStore.MaxNumberByRepo(ctx, nil, buildSet.RepoID)
	if err != nil {
		return err
	}

	builderNames := make(map[models.ResourceName]bool, len(builders))
	for _, b := range builders {
		builderNames[b.Name] = true
	}

	buildSet.Builds = buildSet.Builds[:0]
	for _, builder := range builders {
		lastNumber++
		build := models.NewBuild(
			buildSet.ID, buildSet.RepoID, lastNumber, buildSet.Branch, buildSet.Commit, builder, origin)
		build.TriggeredBy = filterTriggers(build.TriggeredBy, builderNames)
		if err := s.buildStore.Create(ctx, nil, build); err != nil {
			return err
		}
		buildSet.Builds = append(buildSet.Builds, build)
		s.notify.Emit(ctx, notify.BuildAdded, notify.Payload(build.ToDict()))
	}

	if len(builders) == 0 {
		buildSet.Status = models.StatusNoBuilds
	}
	if err := s.buildSetStore.Update(ctx, nil, buildSet); err != nil {
		return err
	}

	s.notify.Emit(ctx, notify.BuildSetAdded, notify.Payload(buildSet.ToDict()))

	if len(builders) > 0 {
		s.enqueue(buildSet.RepoID, buildSet.ID)
	}
	return nil
}

func filterTriggers(triggers models.BuildTriggers, names map[models.ResourceName]bool) models.BuildTriggers {
	out := make(models.BuildTriggers, 0, len(triggers))
	for _, t := range triggers {
		if names[t.BuilderName] {
			out = append(out, t)
		}
	}
	return out
}

// CancelBuild implements BuildManager.cancel_build: cancel buildID, logging and swallowing an
// ImpossibleCancellation rather than surfacing it to the caller, since asking to cancel an
// already-terminal build is a race, not a caller error.
func (s *Service) CancelBuild(ctx context.Context, buildID models.BuildID) error {
	err := s.canceler.Cancel(ctx, buildID)
	if err == nil {
		return nil
	}
	if gerror.IsImpossibleCancellation(err) {
		s.log.WithField("build_id", buildID.String()).Infof("cannot cancel build: %v", err)
		return nil
	}
	return err
}

// CancelPreviousPending implements BuildManager.cancel_previous_pending: every earlier buildset on
// the same repository and branch that still has an unfinished build gets each such build cancelled
//. "Earlier" is buildSet.Number order, which is monotone per repository.
func (s *Service) CancelPreviousPending(ctx context.Context, buildSet *models.BuildSet) error {
	candidates, err := s.buildSetStore.ListByRepoAndBranch(ctx, nil, buildSet.RepoID, buildSet.Branch)
	if err != nil {
		return err
	}

	for _, candidate := range candidates {
		if candidate.ID == buildSet.ID || candidate.Number >= buildSet.Number {
			continue
		}
		full, err := s.buildSetStore.ReadWithBuilds(ctx, nil, candidate.ID)
		if err != nil {
			return err
		}
		if !full.HasUnfinishedBuilds() {
			continue
		}
		for _, build := range full.Builds {
			if !build.CanCancel() {
				continue
			}
			if err := s.canceler.CancelBuild(ctx, build); err != nil && !gerror.IsImpossibleCancellation(err) {
				s.log.WithField("build_id", build.ID.String()).Warnf(
					"error cancelling previous pending build: %v", err)
			}
		}
	}
	return nil
}

// StartPending implements the startup half of BuildManager: every buildset for repoID still
// pending (i.e. never fully admitted before the process last stopped) is requeued on a fresh
// consumer loop, so a restart resumes rather than abandoning in-flight work.
func (s *Service) StartPending(ctx context.Context, repoID models.RepoID) error {
	pending, err := s.buildSetStore.ListPendingByRepo(ctx, nil, repoID)
	if err != nil {
		return err
	}
	for _, buildSet := range pending {
		s.enqueue(repoID, buildSet.ID)
	}
	return nil
}

// enqueue appends buildSetID to repoID's FIFO queue, launching its consumer loop if this is the
// first entry since the loop last drained.
func (s *Service) enqueue(repoID models.RepoID, buildSetID models.BuildSetID) {
	q := s.queues.get(repoID)
	if q.push(buildSetID) {
		s.queues.wg.Add(1)
		go func() {
			defer s.queues.wg.Done()
			s.runConsumer(context.Background(), repoID, q)
		}()
	}
}

// runConsumer implements BuildManager._execute_builds's outer loop: drain repoID's queue one
// buildset at a time until empty, then stop every idle instance among the repository's slaves
// before exiting.
func (s *Service) runConsumer(ctx context.Context, repoID models.RepoID, q *repoQueue) {
	defer func() {
		q.finish()
		s.stopIdleSlaves(ctx, repoID)
	}()

	repo, err := s.repoStore.Read(ctx, nil, repoID)
	if err != nil {
		s.log.WithField("repo_id", repoID.String()).Errorf("error reading repo for consumer loop: %v", err)
		return
	}
	if len(repo.SlaveIDs) == 0 {
		s.log.WithField("repo_id", repoID.String()).Warnf(
			"repository has no slaves configured, cannot run queued buildsets")
		return
	}

	for {
		buildSetID, ok := q.pop()
		if !ok {
			return
		}
		if err := s.executeBuildSet(ctx, repoID, buildSetID); err != nil {
			s.log.WithField("buildset_id", buildSetID.String()).Errorf("error executing buildset: %v", err)
		}
	}
}

// executeBuildSet implements one _execute_builds iteration's body: assign a slave to every still
// pending build, and if at least one was assigned, mark the buildset started, hand the admitted
// list to BuildExecuter, then mark it finished once BuildExecuter returns.
func (s *Service) executeBuildSet(ctx context.Context, repoID models.RepoID, buildSetID models.BuildSetID) error {
	buildSet, err := s.buildSetStore.ReadWithBuilds(ctx, nil, buildSetID)
	if err != nil {
		return err
	}

	var runIDs []models.BuildID
	for _, build := range buildSet.GetPendingBuilds() {
		if _, err := s.assignSlave(ctx, repoID, build.ID); err != nil {
			s.log.WithField("build_id", build.ID.String()).Warnf("error assigning slave: %v", err)
			continue
		}
		runIDs = append(runIDs, build.ID)
	}

	if len(runIDs) == 0 {
		return nil
	}

	if err := s.markBuildSetStarted(ctx, repoID, buildSetID); err != nil {
		return err
	}

	if err := s.executer.Execute(ctx, repoID, buildSetID, runIDs); err != nil {
		s.log.WithField("buildset_id", buildSetID.String()).Errorf("error executing buildset: %v", err)
	}

	return s.markBuildSetFinished(ctx, buildSetID)
}

// assignSlave implements BuildManager._set_slave: pick the repository's slave with the smallest
// queue_count, enqueue the build on it, and persist the assignment on the build row.
func (s *Service) assignSlave(ctx context.Context, repoID models.RepoID, buildID models.BuildID) (models.SlaveID, error) {
	repo, err := s.repoStore.Read(ctx, nil, repoID)
	if err != nil {
		return models.SlaveID{}, err
	}
	if len(repo.SlaveIDs) == 0 {
		return models.SlaveID{}, errors.Errorf("error repository %s has no slaves configured", repoID.String())
	}

	var chosen *models.Slave
	for _, id := range repo.SlaveIDs {
		slave, err := s.slaveStore.Read(ctx, nil, id)
		if err != nil {
			return models.SlaveID{}, err
		}
		if chosen == nil || slave.QueueCount < chosen.QueueCount {
			chosen = slave
		}
	}

	if _, err := s.slaves.EnqueueBuild(ctx, chosen.ID, buildID); err != nil {
		return models.SlaveID{}, err
	}

	build, err := s.buildStore.Read(ctx, nil, buildID)
	if err != nil {
		return models.SlaveID{}, err
	}
	if build.SlaveID != chosen.ID {
		build.SlaveID = chosen.ID
		if err := s.buildStore.Update(ctx, nil, build); err != nil {
			return models.SlaveID{}, err
		}
	}
	return chosen.ID, nil
}

// markBuildSetStarted sets started_at (if unset) and status=running, emits buildset-started, and
// records the buildset as the repository's latest.
func (s *Service) markBuildSetStarted(ctx context.Context, repoID models.RepoID, buildSetID models.BuildSetID) error {
	var updated *models.BuildSet
	err := s.db.WithTx(ctx, nil, func(tx *store.Tx) error {
		if err := s.buildSetStore.LockRowForUpdate(ctx, tx, buildSetID); err != nil {
			return err
		}
		buildSet, err := s.buildSetStore.Read(ctx, tx, buildSetID)
		if err != nil {
			return err
		}
		now := models.NewTime(time.Now())
		if buildSet.StartedAt == nil {
			buildSet.StartedAt = &now
		}
		buildSet.Status = models.StatusRunning
		if err := s.buildSetStore.Update(ctx, tx, buildSet); err != nil {
			return err
		}
		updated = buildSet
		return nil
	})
	if err != nil {
		return err
	}
	s.notify.Emit(ctx, notify.BuildSetStarted, notify.Payload(updated.ToDict()))

	return s.db.WithTx(ctx, nil, func(tx *store.Tx) error {
		if err := s.repoStore.LockRowForUpdate(ctx, tx, repoID); err != nil {
			return err
		}
		repo, err := s.repoStore.Read(ctx, tx, repoID)
		if err != nil {
			return err
		}
		repo.LatestBuildSetID = buildSetID
		return s.repoStore.Update(ctx, tx, repo)
	})
}

// markBuildSetFinished reloads the buildset with its builds, stamps finished_at (if missing or
// stale), computes total_time, recomputes the aggregate status and emits buildset-finished.
func (s *Service) markBuildSetFinished(ctx context.Context, buildSetID models.BuildSetID) error {
	buildSet, err := s.buildSetStore.ReadWithBuilds(ctx, nil, buildSetID)
	if err != nil {
		return err
	}

	now := models.NewTime(time.Now())
	if buildSet.StartedAt == nil {
		buildSet.StartedAt = &now
	}
	if buildSet.FinishedAt == nil || buildSet.FinishedAt.Before(now.Time) {
		buildSet.FinishedAt = &now
	}
	total := int(buildSet.FinishedAt.Sub(buildSet.StartedAt.Time).Seconds())
	buildSet.TotalTime = &total
	buildSet.RecomputeStatus()

	if err := s.buildSetStore.Update(ctx, nil, buildSet); err != nil {
		return err
	}
	s.notify.Emit(ctx, notify.BuildSetFinished, notify.Payload(buildSet.ToDict()))
	return nil
}

// stopIdleSlaves calls StopInstance on every slave in the repository's pool once its queue drains,
// mirroring master/services/slave.Service.StopInstance's own no-op-unless-idle guard.
func (s *Service) stopIdleSlaves(ctx context.Context, repoID models.RepoID) {
	repo, err := s.repoStore.Read(ctx, nil, repoID)
	if err != nil {
		s.log.WithField("repo_id", repoID.String()).Warnf("error reading repo to stop idle slaves: %v", err)
		return
	}
	for _, slaveID := range repo.SlaveIDs {
		if _, err := s.slaves.StopInstance(ctx, slaveID); err != nil {
			s.log.WithField("slave_id", slaveID.String()).Warnf("error stopping instance: %v", err)
		}
	}
}
