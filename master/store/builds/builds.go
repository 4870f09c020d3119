package builds

import (
	"context"

	"github.com/doug-martin/goqu/v9"

	"github.com/toxicbuild/master/common/logger"
	"github.com/toxicbuild/master/common/models"
	"github.com/toxicbuild/master/master/store"
)

func init() {
	_ = models.MutableResource(&models.Build{})
	store.MustDBModel(&models.Build{})
}

// BuildStore persists models.Build rows. Build.Steps is a single JSON column (common/models/step.go);
// callers that need to mutate a step must go through LockRowForUpdate + Read + Update inside one
// transaction so the read-modify-write of that column is atomic.
type BuildStore struct {
	table *store.ResourceTable
}

func NewStore(db *store.DB, logFactory logger.LogFactory) *BuildStore {
	return &BuildStore{
		table: store.NewResourceTable(db, logFactory, &models.Build{}),
	}
}

// Create a new build. Returns gerror.ErrCodeAlreadyExists if a build with matching unique
// properties already exists.
func (s *BuildStore) Create(ctx context.Context, txOrNil *store.Tx, build *models.Build) error {
	return s.table.Create(ctx, txOrNil, build)
}

// Read an existing build, looking it up by id. Returns gerror.ErrCodeNotFound if it does not exist.
func (s *BuildStore) Read(ctx context.Context, txOrNil *store.Tx, id models.BuildID) (*models.Build, error) {
	build := &models.Build{}
	return build, s.table.ReadByID(ctx, txOrNil, id.ResourceID, build)
}

// Update an existing build with optimistic locking, overriding all previous column values.
// Returns gerror.ErrCodeOptimisticLockFailed on an ETag mismatch.
func (s *BuildStore) Update(ctx context.Context, txOrNil *store.Tx, build *models.Build) error {
	return s.table.UpdateByID(ctx, txOrNil, build)
}

// LockRowForUpdate takes out an exclusive row lock on the build's row. Must be called within a
// transaction; pairs with Read+Update to perform an atomic merge of Build.Steps.
func (s *BuildStore) LockRowForUpdate(ctx context.Context, tx *store.Tx, id models.BuildID) error {
	return s.table.LockRowForUpdate(ctx, tx, id.ResourceID)
}

// ListByBuildSet returns every build belonging to buildSetID, newest first.
func (s *BuildStore) ListByBuildSet(ctx context.Context, txOrNil *store.Tx, buildSetID models.BuildSetID) ([]*models.Build, error) {
	var out []*models.Build
	err := s.table.ListWhere(ctx, txOrNil, &out, goqu.Ex{"build_buildset_id": buildSetID})
	return out, err
}

// MaxNumberByRepo returns the highest Number assigned to any build owned by repoID, or 0 if the
// repository has no builds yet. BuildManager uses this to assign the next build's Number.
func (s *BuildStore) MaxNumberByRepo(ctx context.Context, txOrNil *store.Tx, repoID models.RepoID) (models.BuildNumber, error) {
	max, err := s.table.MaxUint64(ctx, txOrNil, "build_number", goqu.Ex{"build_repo_id": repoID})
	return models.BuildNumber(max), err
}

