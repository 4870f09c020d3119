package poller

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/toxicbuild/master/common/logger"
	"github.com/toxicbuild/master/common/models"
	"github.com/toxicbuild/master/common/util"
	"github.com/toxicbuild/master/master/store/repos"
)

// BuildsAdder is the subset of master/services/buildmanager.Service the scheduler feeds: fold a
// batch of freshly discovered revisions into buildsets and builds.
type BuildsAdder interface {
	AddBuilds(ctx context.Context, revisions []models.Revision) error
}

// SchedulerConfig bounds how often every known repository is polled and which build config file
// the poller is asked to fetch alongside each revision.
type SchedulerConfig struct {
	PollInterval   time.Duration
	ConfigFilename string
}

// Scheduler polls every known repository on a fixed interval and hands the discovered revisions
// to the BuildManager. Branch cursors (the last commit date seen per branch) are kept in memory:
// after a restart the first poll simply re-reports the newest revisions, and buildset creation is
// keyed on commit so replays are cheap.
type Scheduler struct {
	client    *Client
	repoStore *repos.RepoStore
	manager   BuildsAdder
	cfg       SchedulerConfig
	clk       clock.Clock
	service   *util.StatefulService
	log       logger.Log

	cursors map[models.RepoID]map[string]string
}

func NewScheduler(
	ctx context.Context,
	client *Client,
	repoStore *repos.RepoStore,
	manager BuildsAdder,
	cfg SchedulerConfig,
	clk clock.Clock,
	logFactory logger.LogFactory,
) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	s := &Scheduler{
		client:    client,
		repoStore: repoStore,
		manager:   manager,
		cfg:       cfg,
		clk:       clk,
		log:       logFactory("PollScheduler"),
		cursors:   make(map[models.RepoID]map[string]string),
	}
	s.service = util.NewStatefulService(ctx, s.log, s.loop)
	return s
}

// Start begins the polling loop. Panics if called more than once.
func (s *Scheduler) Start() {
	s.service.Start()
}

// Stop the polling loop, blocking until it has exited.
func (s *Scheduler) Stop() {
	s.service.Stop()
}

func (s *Scheduler) loop() {
	ctx := s.service.Ctx()
	ticker := s.clk.Ticker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.PollAll(ctx)
		}
	}
}

// PollAll polls every known repository once, feeding any discovered revisions to the manager.
// Failures are per-repository: one unreachable repo doesn't starve the rest.
func (s *Scheduler) PollAll(ctx context.Context) {
	repoList, err := s.repoStore.ListAll(ctx, nil)
	if err != nil {
		s.log.Errorf("error listing repositories to poll: %v", err)
		return
	}
	for _, repo := range repoList {
		if err := s.pollRepo(ctx, repo); err != nil {
			s.log.WithField("repo_id", repo.ID.String()).Errorf("error polling repository: %v", err)
		}
	}
}

func (s *Scheduler) pollRepo(ctx context.Context, repo *models.Repo) error {
	since := s.cursors[repo.ID]
	known := make([]string, 0, len(since))
	for branch := range since {
		known = append(known, branch)
	}

	resp, err := s.client.PollRepo(ctx, Request{
		RepoID:        repo.ID,
		URL:           repo.URL,
		VCSType:       repo.VCSType,
		KnownBranches: known,
		Since:         since,
		ConfFile:      s.configFilename(repo),
	})
	if err != nil {
		return err
	}
	if len(resp.Revisions) == 0 {
		return nil
	}

	s.advanceCursors(repo.ID, resp.Revisions)
	return s.manager.AddBuilds(ctx, resp.Revisions)
}

func (s *Scheduler) configFilename(repo *models.Repo) string {
	if repo.ConfigFilename != "" {
		return repo.ConfigFilename
	}
	return s.cfg.ConfigFilename
}

func (s *Scheduler) advanceCursors(repoID models.RepoID, revisions []models.Revision) {
	cursor, ok := s.cursors[repoID]
	if !ok {
		cursor = make(map[string]string)
		s.cursors[repoID] = cursor
	}
	for i := range revisions {
		rev := &revisions[i]
		cursor[rev.Branch] = models.FormatWireTime(rev.CommitDate)
	}
}
