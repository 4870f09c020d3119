// Package slave implements the Slave runtime service: queue accounting under a per-slave named
// write-lock, on-demand instance lifecycle via master/instance, and the streaming build session
// that translates slave wire-protocol frames into durable Build/BuildStep mutations.
package slave

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/toxicbuild/master/common/gerror"
	"github.com/toxicbuild/master/common/logger"
	"github.com/toxicbuild/master/common/models"
	"github.com/toxicbuild/master/master/instance"
	"github.com/toxicbuild/master/master/notify"
	"github.com/toxicbuild/master/master/services/buildupdate"
	"github.com/toxicbuild/master/master/services/lock"
	"github.com/toxicbuild/master/master/slaveclient"
	"github.com/toxicbuild/master/master/store"
	"github.com/toxicbuild/master/master/store/builders"
	"github.com/toxicbuild/master/master/store/builds"
	"github.com/toxicbuild/master/master/store/slaves"
)

// DefaultMaxProcessTasks caps how many worker stream sessions one master process holds open at
// once; an advisory bound on memory and socket use, not a scheduling guarantee.
const DefaultMaxProcessTasks = 100

// Config bounds the parts of master/config.Config this service needs, so it doesn't import the
// whole config package.
type Config struct {
	UseSSL                   bool
	ValidateCert             bool
	WaitServiceStartRetries  int
	WaitServiceStartInterval time.Duration
	DialTimeout              time.Duration
	MaxProcessTasks          int
}

// Service owns every models.Slave's queue accounting, on-demand instance lifecycle, and build
// streaming session. It satisfies master/services/cancel.SlaveForwarder.
type Service struct {
	db           *store.DB
	slaveStore   *slaves.SlaveStore
	buildStore   *builds.BuildStore
	builderStore *builders.BuilderStore
	lock         *lock.NamedLock
	notify       *notify.Service
	instances    instance.Registry
	cfg          Config
	log          logger.Log

	mu                  sync.Mutex
	stepOutputCacheTime map[models.BuildStepID]int

	// sessions bounds concurrent build stream sessions across every slave.
	sessions chan struct{}
}

func NewService(
	db *store.DB,
	slaveStore *slaves.SlaveStore,
	buildStore *builds.BuildStore,
	builderStore *builders.BuilderStore,
	namedLock *lock.NamedLock,
	notifyService *notify.Service,
	instances instance.Registry,
	cfg Config,
	logFactory logger.LogFactory,
) *Service {
	if cfg.WaitServiceStartRetries <= 0 {
		cfg.WaitServiceStartRetries = 60
	}
	if cfg.WaitServiceStartInterval <= 0 {
		cfg.WaitServiceStartInterval = 5 * time.Second
	}
	if cfg.MaxProcessTasks <= 0 {
		cfg.MaxProcessTasks = DefaultMaxProcessTasks
	}
	return &Service{
		db:                  db,
		slaveStore:          slaveStore,
		buildStore:          buildStore,
		builderStore:        builderStore,
		lock:                namedLock,
		notify:              notifyService,
		instances:           instances,
		cfg:                 cfg,
		log:                 logFactory("SlaveService"),
		stepOutputCacheTime: make(map[models.BuildStepID]int),
		sessions:            make(chan struct{}, cfg.MaxProcessTasks),
	}
}

func (s *Service) clientFor(slave *models.Slave) *slaveclient.Client {
	return slaveclient.New(slaveclient.Config{
		Host:         slave.Host,
		Port:         slave.Port,
		Token:        slave.Token,
		UseSSL:       s.cfg.UseSSL,
		ValidateCert: s.cfg.ValidateCert,
		DialTimeout:  s.cfg.DialTimeout,
	})
}

// --- Queue operations. Each public entry point acquires the lock itself; the Locked variants assume the
// caller already holds it, used from inside the build() session below. ---

// EnqueueBuild appends buildID to slaveID's queue. Returns false if it was already enqueued.
func (s *Service) EnqueueBuild(ctx context.Context, slaveID models.SlaveID, buildID models.BuildID) (bool, error) {
	unlock := s.lock.Lock(slaveID.String())
	defer unlock()
	return s.enqueueBuildLocked(ctx, slaveID, buildID)
}

func (s *Service) enqueueBuildLocked(ctx context.Context, slaveID models.SlaveID, buildID models.BuildID) (bool, error) {
	var added bool
	err := s.db.WithTx(ctx, nil, func(tx *store.Tx) error {
		if err := s.slaveStore.LockRowForUpdate(ctx, tx, slaveID); err != nil {
			return err
		}
		slave, err := s.slaveStore.Read(ctx, tx, slaveID)
		if err != nil {
			return err
		}
		added = slave.EnqueueBuild(buildID)
		if !added {
			return nil
		}
		return s.slaveStore.Update(ctx, tx, slave)
	})
	return added, err
}

// DequeueBuild removes buildID from slaveID's queue. Satisfies cancel.SlaveForwarder.
func (s *Service) DequeueBuild(ctx context.Context, slaveID models.SlaveID, buildID models.BuildID) error {
	unlock := s.lock.Lock(slaveID.String())
	defer unlock()
	_, err := s.dequeueBuildLocked(ctx, slaveID, buildID)
	return err
}

func (s *Service) dequeueBuildLocked(ctx context.Context, slaveID models.SlaveID, buildID models.BuildID) (bool, error) {
	var removed bool
	err := s.db.WithTx(ctx, nil, func(tx *store.Tx) error {
		if err := s.slaveStore.LockRowForUpdate(ctx, tx, slaveID); err != nil {
			return err
		}
		slave, err := s.slaveStore.Read(ctx, tx, slaveID)
		if err != nil {
			return err
		}
		removed = slave.DequeueBuild(buildID)
		if !removed {
			return nil
		}
		return s.slaveStore.Update(ctx, tx, slave)
	})
	return removed, err
}

func (s *Service) addRunningRepoLocked(ctx context.Context, slaveID models.SlaveID, repoID models.RepoID) error {
	return s.db.WithTx(ctx, nil, func(tx *store.Tx) error {
		if err := s.slaveStore.LockRowForUpdate(ctx, tx, slaveID); err != nil {
			return err
		}
		slave, err := s.slaveStore.Read(ctx, tx, slaveID)
		if err != nil {
			return err
		}
		if !slave.AddRunningRepo(repoID) {
			return nil
		}
		return s.slaveStore.Update(ctx, tx, slave)
	})
}

func (s *Service) rmRunningRepoLocked(ctx context.Context, slaveID models.SlaveID, repoID models.RepoID) error {
	return s.db.WithTx(ctx, nil, func(tx *store.Tx) error {
		if err := s.slaveStore.LockRowForUpdate(ctx, tx, slaveID); err != nil {
			return err
		}
		slave, err := s.slaveStore.Read(ctx, tx, slaveID)
		if err != nil {
			return err
		}
		if !slave.RmRunningRepo(repoID) {
			return nil
		}
		return s.slaveStore.Update(ctx, tx, slave)
	})
}

// --- Instance lifecycle ---

// startInstanceLocked runs start_instance. Returns the slave's current host (possibly updated from
// DynamicHost to the freshly-discovered ip) and whether an on-demand lifecycle was engaged at all.
func (s *Service) startInstanceLocked(ctx context.Context, slave *models.Slave) (string, bool, error) {
	if !slave.OnDemand {
		return slave.Host, false, nil
	}
	provider, ok := s.instances.Get(slave.InstanceType)
	if !ok {
		return "", true, fmt.Errorf("error no instance provider registered for type %q", slave.InstanceType)
	}

	running, err := provider.IsRunning(ctx, slave.InstanceConfs)
	if err != nil {
		return "", true, err
	}
	if !running {
		if err := provider.Start(ctx, slave.InstanceConfs); err != nil {
			return "", true, err
		}
	}

	ip, err := provider.GetIP(ctx, slave.InstanceConfs)
	if err != nil {
		return "", true, err
	}

	host := slave.Host
	if slave.Host == models.DynamicHost || slave.Host == "" {
		host = ip
		if err := s.setSlaveHostLocked(ctx, slave.ID, ip); err != nil {
			return "", true, err
		}
	}

	if err := s.waitServiceStart(ctx, host, slave.Port); err != nil {
		return "", true, err
	}
	return host, true, nil
}

func (s *Service) setSlaveHostLocked(ctx context.Context, slaveID models.SlaveID, host string) error {
	return s.db.WithTx(ctx, nil, func(tx *store.Tx) error {
		if err := s.slaveStore.LockRowForUpdate(ctx, tx, slaveID); err != nil {
			return err
		}
		slave, err := s.slaveStore.Read(ctx, tx, slaveID)
		if err != nil {
			return err
		}
		slave.Host = host
		return s.slaveStore.Update(ctx, tx, slave)
	})
}

// StopInstance runs stop_instance: only an idle, on-demand, currently-running slave is stopped.
func (s *Service) StopInstance(ctx context.Context, slaveID models.SlaveID) (bool, error) {
	unlock := s.lock.Lock(slaveID.String())
	defer unlock()

	slave, err := s.slaveStore.Read(ctx, nil, slaveID)
	if err != nil {
		return false, err
	}
	if !slave.OnDemand || !slave.IsIdle() {
		return false, nil
	}
	provider, ok := s.instances.Get(slave.InstanceType)
	if !ok {
		return false, fmt.Errorf("error no instance provider registered for type %q", slave.InstanceType)
	}
	running, err := provider.IsRunning(ctx, slave.InstanceConfs)
	if err != nil {
		return false, err
	}
	if !running {
		return false, nil
	}
	if err := provider.Stop(ctx, slave.InstanceConfs); err != nil {
		return false, err
	}
	return true, nil
}

// waitServiceStart polls Healthcheck with a bounded retry budget, tolerating connection-refused
// errors (the instance is still booting) but propagating any other client error immediately.
func (s *Service) waitServiceStart(ctx context.Context, host string, port int) error {
	client := slaveclient.New(slaveclient.Config{
		Host:         host,
		Port:         port,
		UseSSL:       s.cfg.UseSSL,
		ValidateCert: s.cfg.ValidateCert,
		DialTimeout:  s.cfg.DialTimeout,
	})

	var lastErr error
	for attempt := 0; attempt < s.cfg.WaitServiceStartRetries; attempt++ {
		err := client.Healthcheck(ctx)
		if err == nil {
			return nil
		}
		if !isConnRefused(err) {
			return err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.WaitServiceStartInterval):
		}
	}
	return gerror.NewErrTimeout(fmt.Sprintf("slave at %s:%d never became reachable: %v", host, port, lastErr))
}

func isConnRefused(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, syscall.ECONNREFUSED)
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}

// --- Healthcheck / ListBuilders ---

func (s *Service) Healthcheck(ctx context.Context, slaveID models.SlaveID) error {
	slave, err := s.slaveStore.Read(ctx, nil, slaveID)
	if err != nil {
		return err
	}
	return s.clientFor(slave).Healthcheck(ctx)
}

// ListBuilders calls the slave's list_builders and get-or-creates a models.Builder for each name
// it returns, in the order declared.
func (s *Service) ListBuilders(ctx context.Context, slaveID models.SlaveID, repo *models.Repo, branch, namedTree string) ([]*models.Builder, error) {
	slave, err := s.slaveStore.Read(ctx, nil, slaveID)
	if err != nil {
		return nil, err
	}
	names, err := s.clientFor(slave).ListBuilders(ctx, slaveclient.ListBuildersRequest{
		RepoURL:        repo.URL,
		VCSType:        repo.VCSType,
		Branch:         branch,
		NamedTree:      namedTree,
		ConfigType:     repo.ConfigType,
		ConfigFilename: repo.ConfigFilename,
	})
	if err != nil {
		return nil, err
	}
	out := make([]*models.Builder, 0, len(names))
	for i, name := range names {
		builder, err := s.builderStore.GetOrCreate(ctx, repo.ID, models.ResourceName(name), i)
		if err != nil {
			return nil, err
		}
		out = append(out, builder)
	}
	return out, nil
}

// CancelBuild forwards a cancellation to a slave currently running buildUUID. Satisfies
// cancel.SlaveForwarder. No local state changes: the cancellation flows back as ordinary build
// stream frames.
func (s *Service) CancelBuild(ctx context.Context, slaveID models.SlaveID, buildUUID string) error {
	slave, err := s.slaveStore.Read(ctx, nil, slaveID)
	if err != nil {
		return err
	}
	return s.clientFor(slave).CancelBuild(ctx, buildUUID)
}

// --- Build session ---

// RunBuild runs one build to completion on slaveID, holding the slave's named write-lock for the
// entire streaming session.
// Returns false (with a nil error) whenever the build ended in an exception this function itself
// recorded; a non-nil error means persistence itself failed and the caller's own state is stale.
func (s *Service) RunBuild(ctx context.Context, slaveID models.SlaveID, build *models.Build, repo *models.Repo, envVars map[string]string) (bool, error) {
	select {
	case s.sessions <- struct{}{}:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	defer func() { <-s.sessions }()

	unlock := s.lock.Lock(slaveID.String())
	defer unlock()

	slave, err := s.slaveStore.Read(ctx, nil, slaveID)
	if err != nil {
		return false, err
	}

	build, _, err = buildupdate.Build(ctx, s.db, s.buildStore, build.ID, func(b *models.Build) bool {
		if b.Status == models.StatusPreparing {
			return false
		}
		b.Status = models.StatusPreparing
		return true
	})
	if err != nil {
		return false, err
	}

	host, _, err := s.startInstanceLocked(ctx, slave)
	if err != nil {
		return s.finishBuildStartException(ctx, build, err)
	}

	if _, err := s.dequeueBuildLocked(ctx, slaveID, build.ID); err != nil {
		s.log.WithField("build_id", build.ID.String()).Warnf("error dequeuing build before run: %v", err)
	}
	if err := s.addRunningRepoLocked(ctx, slaveID, build.RepoID); err != nil {
		s.log.WithField("build_id", build.ID.String()).Warnf("error recording running repo: %v", err)
	}
	defer func() {
		if err := s.rmRunningRepoLocked(ctx, slaveID, build.RepoID); err != nil {
			s.log.WithField("slave_id", slaveID.String()).Warnf("error clearing running repo: %v", err)
		}
	}()

	req := slaveclient.BuildRequest{
		RepoURL:        repo.URL,
		BuildUUID:      build.ID.UUID().String(),
		EnvVars:        envVars,
		RepoID:         repo.ID.String(),
		VCSType:        repo.VCSType,
		Branch:         build.Branch,
		NamedTree:      build.NamedTree,
		BuilderName:    build.BuilderName.String(),
		ConfigType:     repo.ConfigType,
		ConfigFilename: repo.ConfigFilename,
		BuildersFrom:   build.BuildersFrom,
	}
	if build.External.Valid() {
		req.External = map[string]string{
			"system":      string(build.External.ExternalSystem),
			"resource_id": build.External.ResourceID,
		}
	}

	client := slaveclient.New(slaveclient.Config{
		Host:         host,
		Port:         slave.Port,
		Token:        slave.Token,
		UseSSL:       s.cfg.UseSSL,
		ValidateCert: s.cfg.ValidateCert,
		DialTimeout:  s.cfg.DialTimeout,
	})

	frames, err := client.Build(ctx, req)
	if err != nil {
		return s.finishBuildStartException(ctx, build, err)
	}

	for frame := range frames {
		switch frame.InfoType {
		case slaveclient.InfoTypeBuildInfo:
			if err := s.processBuildInfo(ctx, build.ID, frame.Body); err != nil {
				s.log.WithField("build_id", build.ID.String()).Warnf("error processing build_info: %v", err)
				return false, nil
			}
		case slaveclient.InfoTypeStepInfo:
			if err := s.processStepInfo(ctx, build.ID, frame.Body); err != nil {
				s.log.WithField("build_id", build.ID.String()).Warnf("error processing step_info: %v", err)
				return false, nil
			}
		case slaveclient.InfoTypeStepOutputInfo:
			if err := s.processStepOutputInfo(ctx, build.ID, frame.Body); err != nil {
				s.log.WithField("build_id", build.ID.String()).Warnf("error processing step_output_info: %v", err)
			}
		}
	}
	return true, nil
}

// finishBuildStartException implements _finish_build_start_exception: record trace as a synthetic
// exception step/status and tell the caller the run did not proceed.
func (s *Service) finishBuildStartException(ctx context.Context, build *models.Build, cause error) (bool, error) {
	updated, _, err := buildupdate.Build(ctx, s.db, s.buildStore, build.ID, func(b *models.Build) bool {
		b.SetUnknownException(cause.Error())
		return true
	})
	if err != nil {
		return false, err
	}
	s.notify.Emit(ctx, notify.BuildFinished, notify.Payload(updated.ToDict()))
	return false, nil
}

// processBuildInfo implements _process_build_info.
func (s *Service) processBuildInfo(ctx context.Context, buildID models.BuildID, body map[string]interface{}) error {
	statusStr, _ := body["status"].(string)
	if statusStr == "" {
		return nil
	}
	status := models.Status(statusStr)

	var startedNow, finishedNow bool
	updated, changed, err := buildupdate.Build(ctx, s.db, s.buildStore, buildID, func(b *models.Build) bool {
		mutated := false
		if b.Status != status {
			b.Status = status
			mutated = true
		}
		now := models.NewTime(time.Now())
		if status == models.StatusRunning && b.StartedAt == nil {
			started := now
			if v, ok := body["started"].(string); ok && v != "" {
				if t, err := models.ParseWireTime(v); err == nil {
					started = t
				}
			}
			b.StartedAt = &started
			startedNow = true
			mutated = true
		}
		if status.IsTerminal() && b.FinishedAt == nil {
			if b.StartedAt == nil {
				b.StartedAt = &now
			}
			finished := now
			if v, ok := body["finished"].(string); ok && v != "" {
				if t, err := models.ParseWireTime(v); err == nil {
					finished = t
				}
			}
			b.FinishedAt = &finished
			total := int(b.FinishedAt.Sub(b.StartedAt.Time).Seconds())
			if v, ok := body["total_time"].(float64); ok {
				total = int(v)
			}
			b.TotalTime = &total
			finishedNow = true
			mutated = true
		}
		return mutated
	})
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	if startedNow {
		s.notify.Emit(ctx, notify.BuildStarted, notify.Payload(updated.ToDict()))
	}
	if finishedNow {
		s.notify.Emit(ctx, notify.BuildFinished, notify.Payload(updated.ToDict()))
	}
	return nil
}

func stepFromWire(id models.BuildStepID, body map[string]interface{}) *models.BuildStep {
	step := &models.BuildStep{ID: id}
	if v, ok := body["name"].(string); ok {
		step.Name = models.ResourceName(v)
	}
	if v, ok := body["cmd"].(string); ok {
		step.Command = v
	}
	if v, ok := body["status"].(string); ok {
		step.Status = models.Status(v)
	}
	if v, ok := body["output"].(string); ok {
		step.Output = v
	}
	if v, ok := body["index"].(float64); ok {
		step.Index = int(v)
	}
	if v, ok := body["started"].(string); ok && v != "" {
		if t, err := models.ParseWireTime(v); err == nil {
			step.StartedAt = &t
		}
	}
	if v, ok := body["finished"].(string); ok && v != "" {
		if t, err := models.ParseWireTime(v); err == nil {
			step.FinishedAt = &t
		}
	}
	if v, ok := body["total_time"].(float64); ok {
		total := int(v)
		step.TotalTime = &total
	}
	return step
}

// processStepInfo implements _process_step_info: merge the incoming fields into the existing step
// (output concatenation handled by models.Build.UpsertStep) or append a new one.
func (s *Service) processStepInfo(ctx context.Context, buildID models.BuildID, body map[string]interface{}) error {
	uuidStr, _ := body["uuid"].(string)
	stepID, err := models.BuildStepIDFromWireUUID(uuidStr)
	if err != nil {
		return err
	}
	incoming := stepFromWire(stepID, body)

	var isNew, becameTerminal bool
	updated, _, err := buildupdate.Build(ctx, s.db, s.buildStore, buildID, func(b *models.Build) bool {
		existing := b.FindStep(stepID)
		isNew = existing == nil
		wasTerminal := existing != nil && existing.Status.IsTerminal()
		b.UpsertStep(incoming)
		if merged := b.FindStep(stepID); merged != nil {
			becameTerminal = !wasTerminal && merged.Status.IsTerminal()
		}
		return true
	})
	if err != nil {
		return err
	}
	step := updated.FindStep(stepID)
	if step == nil {
		return nil
	}
	if isNew {
		s.notify.Emit(ctx, notify.StepStarted, notify.Payload(step.ToDict()))
	}
	if becameTerminal {
		s.notify.Emit(ctx, notify.StepFinished, notify.Payload(step.ToDict()))
	}
	return nil
}

// processStepOutputInfo implements _process_step_output_info/_update_build_step_info: fragments
// are ordered by a per-step monotone sequence counter, discarding anything stale.
func (s *Service) processStepOutputInfo(ctx context.Context, buildID models.BuildID, body map[string]interface{}) error {
	uuidStr, _ := body["uuid"].(string)
	stepID, err := models.BuildStepIDFromWireUUID(uuidStr)
	if err != nil {
		return err
	}
	chunk, _ := body["output"].(string)
	s.mu.Lock()
	last, seen := s.stepOutputCacheTime[stepID]
	seq := last + 1
	if v, ok := body["sequence"].(float64); ok {
		seq = int(v)
	}
	if seen && seq <= last {
		s.mu.Unlock()
		return nil
	}
	s.stepOutputCacheTime[stepID] = seq
	s.mu.Unlock()

	step, err := s.getStep(ctx, buildID, stepID, true)
	if err != nil {
		return err
	}
	if step == nil {
		return fmt.Errorf("error step %s not found in build %s", stepID.String(), buildID.String())
	}

	updated, _, err := buildupdate.Build(ctx, s.db, s.buildStore, buildID, func(b *models.Build) bool {
		existing := b.FindStep(stepID)
		if existing == nil {
			return false
		}
		merged := *existing
		merged.Output = existing.Output + chunk
		b.UpsertStep(&merged)
		return true
	})
	if err != nil {
		return err
	}
	if step := updated.FindStep(stepID); step != nil {
		s.notify.Emit(ctx, notify.StepOutputArrived, notify.Payload(step.ToDict()))
	}
	return nil
}

// getStep implements _get_step: find the step inside buildID, optionally polling briefly if it
// hasn't been materialised yet by a preceding step_info frame.
func (s *Service) getStep(ctx context.Context, buildID models.BuildID, stepID models.BuildStepID, wait bool) (*models.BuildStep, error) {
	attempts := 1
	if wait {
		attempts = 5
	}
	for attempt := 0; attempt < attempts; attempt++ {
		build, err := s.buildStore.Read(ctx, nil, buildID)
		if err != nil {
			return nil, err
		}
		if step := build.FindStep(stepID); step != nil {
			return step, nil
		}
		if attempt < attempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
		}
	}
	return nil, nil
}
