// Package cancel implements Build.cancel: terminal builds refuse with
// gerror.ErrCodeImpossibleCancellation; a running build's cancellation is forwarded to its slave
// and any transport error is logged and swallowed, since the build's own status will still
// transition once the slave reports back (or never does, which is an operator-visible stall, not
// a caller-visible error); a pending build is dequeued from its slave (if one was ever assigned)
// and flipped to cancelled in place.
package cancel

import (
	"context"
	"time"

	"github.com/toxicbuild/master/common/gerror"
	"github.com/toxicbuild/master/common/logger"
	"github.com/toxicbuild/master/common/models"
	"github.com/toxicbuild/master/master/notify"
	"github.com/toxicbuild/master/master/services/buildupdate"
	"github.com/toxicbuild/master/master/store"
	"github.com/toxicbuild/master/master/store/builds"
)

// SlaveForwarder is the subset of master/services/slave.Service that cancellation needs: dequeue a
// never-started build from its slave's queue, or forward a cancel request to a slave currently
// running one. Declared as an interface here so this package and master/services/slave don't
// import each other.
type SlaveForwarder interface {
	DequeueBuild(ctx context.Context, slaveID models.SlaveID, buildID models.BuildID) error
	CancelBuild(ctx context.Context, slaveID models.SlaveID, buildUUID string) error
}

// Service cancels builds on behalf of both master/services/buildmanager (explicit cancel_build /
// cancel_previous_pending) and master/services/buildexecuter (dropping an Unsatisfiable build).
type Service struct {
	db         *store.DB
	buildStore *builds.BuildStore
	slaves     SlaveForwarder
	notify     *notify.Service
	log        logger.Log
}

func NewService(db *store.DB, buildStore *builds.BuildStore, slaves SlaveForwarder, notifyService *notify.Service, logFactory logger.LogFactory) *Service {
	return &Service{
		db:         db,
		buildStore: buildStore,
		slaves:     slaves,
		notify:     notifyService,
		log:        logFactory("cancel"),
	}
}

// Cancel cancels buildID. Returns gerror.ErrCodeImpossibleCancellation if the build already
// reached a terminal status.
func (s *Service) Cancel(ctx context.Context, buildID models.BuildID) error {
	build, err := s.buildStore.Read(ctx, nil, buildID)
	if err != nil {
		return err
	}
	return s.CancelBuild(ctx, build)
}

// CancelBuild cancels an already-loaded build, avoiding a redundant read for callers (like
// buildexecuter) that already hold a fresh copy.
func (s *Service) CancelBuild(ctx context.Context, build *models.Build) error {
	if !build.CanCancel() {
		return gerror.NewErrImpossibleCancellation(
			"build " + build.ID.String() + " is not pending or running")
	}

	if build.Status == models.StatusRunning {
		if !build.SlaveID.Valid() {
			// Running with no slave recorded should not happen, but there is nothing to forward to.
			return nil
		}
		if err := s.slaves.CancelBuild(ctx, build.SlaveID, build.ID.UUID().String()); err != nil {
			s.log.WithField("build_id", build.ID.String()).Warnf("error forwarding cancel to slave: %v", err)
		}
		return nil
	}

	// Pending: dequeue from the slave if one was already assigned, then flip to cancelled.
	if build.SlaveID.Valid() {
		if err := s.slaves.DequeueBuild(ctx, build.SlaveID, build.ID); err != nil {
			s.log.WithField("build_id", build.ID.String()).Warnf("error dequeuing cancelled build: %v", err)
		}
	}

	updated, changed, err := buildupdate.Build(ctx, s.db, s.buildStore, build.ID, func(b *models.Build) bool {
		if !b.CanCancel() {
			return false
		}
		b.Status = models.StatusCancelled
		now := models.NewTime(time.Now())
		if b.StartedAt == nil {
			b.StartedAt = &now
		}
		b.FinishedAt = &now
		total := int(b.FinishedAt.Sub(b.StartedAt.Time).Seconds())
		b.TotalTime = &total
		return true
	})
	if err != nil {
		return err
	}
	if changed {
		s.notify.Emit(ctx, notify.BuildCanceled, notify.Payload(updated.ToDict()))
	}
	return nil
}
