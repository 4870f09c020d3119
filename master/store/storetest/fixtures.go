package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/toxicbuild/master/common/logger"
	"github.com/toxicbuild/master/common/models"
	"github.com/toxicbuild/master/master/store"
	"github.com/toxicbuild/master/master/store/builders"
	"github.com/toxicbuild/master/master/store/builds"
	"github.com/toxicbuild/master/master/store/buildsets"
	"github.com/toxicbuild/master/master/store/repos"
	"github.com/toxicbuild/master/master/store/slaves"
)

// Stores bundles every store over one test database, so a test can bring up the whole
// persistence layer in one call.
type Stores struct {
	DB       *store.DB
	Repos    *repos.RepoStore
	Slaves   *slaves.SlaveStore
	Builders *builders.BuilderStore
	Builds   *builds.BuildStore
	BuildSet *buildsets.BuildSetStore
}

// NewStores connects a fresh test database and constructs every store over it. The database is
// torn down via t.Cleanup.
func NewStores(t *testing.T) *Stores {
	db, cleanup, err := Connect(logger.NoOpLogFactory)
	require.NoError(t, err)
	t.Cleanup(cleanup)

	buildStore := builds.NewStore(db, logger.NoOpLogFactory)
	return &Stores{
		DB:       db,
		Repos:    repos.NewStore(db, logger.NoOpLogFactory),
		Slaves:   slaves.NewStore(db, logger.NoOpLogFactory),
		Builders: builders.NewStore(db, logger.NoOpLogFactory),
		Builds:   buildStore,
		BuildSet: buildsets.NewStore(db, logger.NoOpLogFactory, buildStore),
	}
}

// CreateRepo persists and returns a repository with sensible defaults, mutated by fn if given.
func (s *Stores) CreateRepo(t *testing.T, name string, fn func(*models.Repo)) *models.Repo {
	repo := models.NewRepo(models.ResourceName(name), "https://example.com/"+name+".git", "git")
	if fn != nil {
		fn(repo)
	}
	require.NoError(t, s.Repos.Create(context.Background(), nil, repo))
	return repo
}

// CreateSlave persists and returns a slave.
func (s *Stores) CreateSlave(t *testing.T, name string, fn func(*models.Slave)) *models.Slave {
	slave := models.NewSlave(models.ResourceName(name), "localhost", 7777, "token", false, "", nil)
	if fn != nil {
		fn(slave)
	}
	require.NoError(t, s.Slaves.Create(context.Background(), nil, slave))
	return slave
}

// CreateBuilder persists and returns a builder for repo.
func (s *Stores) CreateBuilder(t *testing.T, repo *models.Repo, name string, position int) *models.Builder {
	builder, err := s.Builders.GetOrCreate(context.Background(), repo.ID, models.ResourceName(name), position)
	require.NoError(t, err)
	return builder
}

// CreateBuildSet persists and returns a buildset for repo with the given per-repo number.
func (s *Stores) CreateBuildSet(t *testing.T, repo *models.Repo, number int, branch string) *models.BuildSet {
	buildSet := models.NewBuildSet(
		repo.ID, models.BuildSetNumber(number), fmt.Sprintf("commit-%d", number),
		"body", branch, "author", "title", models.NewTime(time.Now().UTC()))
	require.NoError(t, s.BuildSet.Create(context.Background(), nil, buildSet))
	return buildSet
}

// CreateBuild persists and returns a build inside buildSet for builder.
func (s *Stores) CreateBuild(t *testing.T, buildSet *models.BuildSet, builder *models.Builder, number int, fn func(*models.Build)) *models.Build {
	build := models.NewBuild(
		buildSet.ID, buildSet.RepoID, models.BuildNumber(number), buildSet.Branch, buildSet.Commit,
		builder, buildSet.Branch)
	if fn != nil {
		fn(build)
	}
	require.NoError(t, s.Builds.Create(context.Background(), nil, build))
	return build
}
