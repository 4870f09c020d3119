package repos

import (
	"context"

	"github.com/doug-martin/goqu/v9"

	"github.com/toxicbuild/master/common/logger"
	"github.com/toxicbuild/master/common/models"
	"github.com/toxicbuild/master/master/store"
)

func init() {
	_ = models.MutableResource(&models.Repo{})
	store.MustDBModel(&models.Repo{})
}

// RepoStore persists models.Repo rows. A repo's slave pool (SlaveIDs) and branch policies are
// small JSON columns read whole on every consumer-loop iteration.
type RepoStore struct {
	table *store.ResourceTable
}

func NewStore(db *store.DB, logFactory logger.LogFactory) *RepoStore {
	return &RepoStore{
		table: store.NewResourceTable(db, logFactory, &models.Repo{}),
	}
}

// Create a new repo. Returns gerror.ErrCodeAlreadyExists on a unique-property conflict.
func (s *RepoStore) Create(ctx context.Context, txOrNil *store.Tx, repo *models.Repo) error {
	return s.table.Create(ctx, txOrNil, repo)
}

// Read an existing repo, looking it up by id. Returns gerror.ErrCodeNotFound if missing.
func (s *RepoStore) Read(ctx context.Context, txOrNil *store.Tx, id models.RepoID) (*models.Repo, error) {
	repo := &models.Repo{}
	return repo, s.table.ReadByID(ctx, txOrNil, id.ResourceID, repo)
}

// Update an existing repo with optimistic locking, overriding all previous column values.
func (s *RepoStore) Update(ctx context.Context, txOrNil *store.Tx, repo *models.Repo) error {
	return s.table.UpdateByID(ctx, txOrNil, repo)
}

// LockRowForUpdate takes out an exclusive row lock on the repo's row. Must be called within a
// transaction; BuildManager uses this when updating LatestBuildSetID.
func (s *RepoStore) LockRowForUpdate(ctx context.Context, tx *store.Tx, id models.RepoID) error {
	return s.table.LockRowForUpdate(ctx, tx, id.ResourceID)
}

// ListAll returns every known repo, used at startup to launch one consumer loop per repository.
func (s *RepoStore) ListAll(ctx context.Context, txOrNil *store.Tx) ([]*models.Repo, error) {
	var out []*models.Repo
	err := s.table.ListWhere(ctx, txOrNil, &out)
	return out, err
}


// ListByName looks up repos by exact name match; names are unique so this returns at most one.
func (s *RepoStore) ListByName(ctx context.Context, txOrNil *store.Tx, name models.ResourceName) ([]*models.Repo, error) {
	var out []*models.Repo
	err := s.table.ListWhere(ctx, txOrNil, &out, goqu.Ex{"repo_name": name})
	return out, err
}
