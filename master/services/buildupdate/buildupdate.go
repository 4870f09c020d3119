// Package buildupdate provides the single atomic read-modify-write building block every service
// that mutates a models.Build shares: master/services/slave (status/step transitions reported by
// the slave daemon), master/services/cancel (the pending-cancel path) and
// master/services/buildexecuter (SetUnknownException on an escaped panic). Centralising it keeps
// the lock-then-read-then-update sequence identical everywhere a Build row changes.
package buildupdate

import (
	"context"

	"github.com/toxicbuild/master/common/models"
	"github.com/toxicbuild/master/master/store"
	"github.com/toxicbuild/master/master/store/builds"
)

// Mutate applies an in-memory change to build and reports whether anything changed. Returning
// false skips the Update call entirely, so a no-op mutation never churns the row's ETag/UpdatedAt.
type Mutate func(build *models.Build) (changed bool)

// Build reloads buildID under its row lock, applies mutate, and persists the result if mutate
// reports a change. Returns the final in-memory build either way (even if nothing changed), so
// callers can inspect the up-to-date state to decide whether to emit a signal.
func Build(ctx context.Context, db *store.DB, buildStore *builds.BuildStore, buildID models.BuildID, mutate Mutate) (*models.Build, bool, error) {
	var result *models.Build
	var changed bool
	err := db.WithTx(ctx, nil, func(tx *store.Tx) error {
		if err := buildStore.LockRowForUpdate(ctx, tx, buildID); err != nil {
			return err
		}
		build, err := buildStore.Read(ctx, tx, buildID)
		if err != nil {
			return err
		}
		changed = mutate(build)
		if !changed {
			result = build
			return nil
		}
		if err := buildStore.Update(ctx, tx, build); err != nil {
			return err
		}
		result = build
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, changed, nil
}
