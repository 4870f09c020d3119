package buildsets

import (
	"context"

	"github.com/doug-martin/goqu/v9"

	"github.com/toxicbuild/master/common/logger"
	"github.com/toxicbuild/master/common/models"
	"github.com/toxicbuild/master/master/store"
	"github.com/toxicbuild/master/master/store/builds"
)

func init() {
	_ = models.MutableResource(&models.BuildSet{})
	store.MustDBModel(&models.BuildSet{})
}

// BuildSetStore persists models.BuildSet rows. Each Build is its own row in master/store/builds,
// keyed by BuildSetID - BuildSet.Builds is populated only by ReadWithBuilds, never by the plain
// table scan, since most callers only need the buildset header.
type BuildSetStore struct {
	table      *store.ResourceTable
	buildStore *builds.BuildStore
}

func NewStore(db *store.DB, logFactory logger.LogFactory, buildStore *builds.BuildStore) *BuildSetStore {
	return &BuildSetStore{
		table:      store.NewResourceTable(db, logFactory, &models.BuildSet{}),
		buildStore: buildStore,
	}
}

// Create a new buildset. Returns gerror.ErrCodeAlreadyExists on a unique-property conflict.
func (s *BuildSetStore) Create(ctx context.Context, txOrNil *store.Tx, buildSet *models.BuildSet) error {
	return s.table.Create(ctx, txOrNil, buildSet)
}

// Read an existing buildset header, without its builds. Returns gerror.ErrCodeNotFound if missing.
func (s *BuildSetStore) Read(ctx context.Context, txOrNil *store.Tx, id models.BuildSetID) (*models.BuildSet, error) {
	buildSet := &models.BuildSet{}
	return buildSet, s.table.ReadByID(ctx, txOrNil, id.ResourceID, buildSet)
}

// ReadWithBuilds reads a buildset header and populates its Builds aggregate field by querying
// master/store/builds for every build with this buildset as parent.
func (s *BuildSetStore) ReadWithBuilds(ctx context.Context, txOrNil *store.Tx, id models.BuildSetID) (*models.BuildSet, error) {
	buildSet, err := s.Read(ctx, txOrNil, id)
	if err != nil {
		return nil, err
	}
	buildSet.Builds, err = s.buildStore.ListByBuildSet(ctx, txOrNil, id)
	if err != nil {
		return nil, err
	}
	return buildSet, nil
}

// Update an existing buildset with optimistic locking, overriding all previous column values.
func (s *BuildSetStore) Update(ctx context.Context, txOrNil *store.Tx, buildSet *models.BuildSet) error {
	return s.table.UpdateByID(ctx, txOrNil, buildSet)
}

// LockRowForUpdate takes out an exclusive row lock on the buildset's row. Must be called within a
// transaction.
func (s *BuildSetStore) LockRowForUpdate(ctx context.Context, tx *store.Tx, id models.BuildSetID) error {
	return s.table.LockRowForUpdate(ctx, tx, id.ResourceID)
}

// MaxNumberByRepo returns the highest Number assigned to any buildset owned by repoID, or 0 if the
// repository has no buildsets yet. BuildManager uses this to assign the next buildset's Number.
func (s *BuildSetStore) MaxNumberByRepo(ctx context.Context, txOrNil *store.Tx, repoID models.RepoID) (models.BuildSetNumber, error) {
	max, err := s.table.MaxUint64(ctx, txOrNil, "buildset_number", goqu.Ex{"buildset_repo_id": repoID})
	return models.BuildSetNumber(max), err
}

// ListPendingByRepo returns every buildset for repoID still pending, preparing or running, newest
// first - used by BuildManager.StartPending to requeue unfinished buildsets.
func (s *BuildSetStore) ListPendingByRepo(ctx context.Context, txOrNil *store.Tx, repoID models.RepoID) ([]*models.BuildSet, error) {
	var out []*models.BuildSet
	err := s.table.ListWhere(ctx, txOrNil, &out,
		goqu.Ex{"buildset_repo_id": repoID},
		goqu.Ex{"buildset_status": goqu.Op{"in": []models.Status{
			models.StatusPending, models.StatusPreparing, models.StatusRunning,
		}}},
	)
	return out, err
}

// ListByRepo returns every buildset for repoID, newest first.
func (s *BuildSetStore) ListByRepo(ctx context.Context, txOrNil *store.Tx, repoID models.RepoID) ([]*models.BuildSet, error) {
	var out []*models.BuildSet
	err := s.table.ListWhere(ctx, txOrNil, &out, goqu.Ex{"buildset_repo_id": repoID})
	return out, err
}

// ListByRepoAndBranch returns every buildset for repoID on the given branch, newest first.
func (s *BuildSetStore) ListByRepoAndBranch(ctx context.Context, txOrNil *store.Tx, repoID models.RepoID, branch string) ([]*models.BuildSet, error) {
	var out []*models.BuildSet
	err := s.table.ListWhere(ctx, txOrNil, &out,
		goqu.Ex{"buildset_repo_id": repoID},
		goqu.Ex{"buildset_branch": branch},
	)
	return out, err
}
