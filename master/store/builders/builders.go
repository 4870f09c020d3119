package builders

import (
	"context"
	"sort"

	"github.com/doug-martin/goqu/v9"

	"github.com/toxicbuild/master/common/gerror"
	"github.com/toxicbuild/master/common/logger"
	"github.com/toxicbuild/master/common/models"
	"github.com/toxicbuild/master/master/store"
)

func init() {
	_ = models.MutableResource(&models.Builder{})
	store.MustDBModel(&models.Builder{})
}

// BuilderStore persists models.Builder rows. A builder's identity is (RepoID, Name); processing a
// revision's build configuration get-or-creates one builder per name it declares.
type BuilderStore struct {
	db    *store.DB
	table *store.ResourceTable
}

func NewStore(db *store.DB, logFactory logger.LogFactory) *BuilderStore {
	return &BuilderStore{
		db:    db,
		table: store.NewResourceTable(db, logFactory, &models.Builder{}),
	}
}

// Create a new builder. Returns gerror.ErrCodeAlreadyExists if (RepoID, Name) already exists.
func (s *BuilderStore) Create(ctx context.Context, txOrNil *store.Tx, builder *models.Builder) error {
	return s.table.Create(ctx, txOrNil, builder)
}

// Read an existing builder, looking it up by id. Returns gerror.ErrCodeNotFound if missing.
func (s *BuilderStore) Read(ctx context.Context, txOrNil *store.Tx, id models.BuilderID) (*models.Builder, error) {
	builder := &models.Builder{}
	return builder, s.table.ReadByID(ctx, txOrNil, id.ResourceID, builder)
}

// ReadByName looks up a builder by its (RepoID, Name) natural key. Returns gerror.ErrCodeNotFound
// if no such builder exists yet.
func (s *BuilderStore) ReadByName(ctx context.Context, txOrNil *store.Tx, repoID models.RepoID, name models.ResourceName) (*models.Builder, error) {
	builder := &models.Builder{}
	err := s.table.ReadWhere(ctx, txOrNil, builder,
		goqu.Ex{"builder_repo_id": repoID},
		goqu.Ex{"builder_name": name},
	)
	return builder, err
}

// Update an existing builder with optimistic locking, overriding all previous column values.
func (s *BuilderStore) Update(ctx context.Context, txOrNil *store.Tx, builder *models.Builder) error {
	return s.table.UpdateByID(ctx, txOrNil, builder)
}

// ListByRepo returns every builder declared for repoID, in declared position order.
func (s *BuilderStore) ListByRepo(ctx context.Context, txOrNil *store.Tx, repoID models.RepoID) ([]*models.Builder, error) {
	var out []*models.Builder
	err := s.table.ListWhere(ctx, txOrNil, &out, goqu.Ex{"builder_repo_id": repoID})
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, err
}

// GetOrCreate returns the existing builder named name under repoID, creating it at position if it
// doesn't exist yet. Runs inside its own transaction so the read-then-create race between two
// revisions declaring the same new builder concurrently resolves to a single row: the loser's
// Create fails with gerror.ErrCodeAlreadyExists and is retried as a plain read.
func (s *BuilderStore) GetOrCreate(ctx context.Context, repoID models.RepoID, name models.ResourceName, position int) (*models.Builder, error) {
	var result *models.Builder
	err := s.db.WithTx(ctx, nil, func(tx *store.Tx) error {
		existing, err := s.ReadByName(ctx, tx, repoID, name)
		if err == nil {
			result = existing
			return nil
		}
		if !gerror.IsNotFound(err) {
			return err
		}
		builder := models.NewBuilder(repoID, name, position)
		err = s.Create(ctx, tx, builder)
		if err != nil {
			if gerror.IsAlreadyExists(err) {
				existing, readErr := s.ReadByName(ctx, tx, repoID, name)
				if readErr != nil {
					return readErr
				}
				result = existing
				return nil
			}
			return err
		}
		result = builder
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
