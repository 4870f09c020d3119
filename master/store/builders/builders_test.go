package builders_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toxicbuild/master/common/gerror"
	"github.com/toxicbuild/master/common/models"
	"github.com/toxicbuild/master/master/store/storetest"
)

func TestGetOrCreateReturnsSameBuilder(t *testing.T) {
	stores := storetest.NewStores(t)
	ctx := context.Background()

	repo := stores.CreateRepo(t, "project-x", nil)

	first, err := stores.Builders.GetOrCreate(ctx, repo.ID, "unit-tests", 0)
	require.NoError(t, err)
	second, err := stores.Builders.GetOrCreate(ctx, repo.ID, "unit-tests", 3)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	// position is not overwritten by get-or-create itself; callers update it explicitly
	assert.Equal(t, 0, second.Position)
}

func TestGetOrCreateScopedByRepo(t *testing.T) {
	stores := storetest.NewStores(t)
	ctx := context.Background()

	repoX := stores.CreateRepo(t, "project-x", nil)
	repoY := stores.CreateRepo(t, "project-y", nil)

	x, err := stores.Builders.GetOrCreate(ctx, repoX.ID, "unit-tests", 0)
	require.NoError(t, err)
	y, err := stores.Builders.GetOrCreate(ctx, repoY.ID, "unit-tests", 0)
	require.NoError(t, err)

	assert.NotEqual(t, x.ID, y.ID)
}

func TestReadByNameMissingIsNotFound(t *testing.T) {
	stores := storetest.NewStores(t)

	repo := stores.CreateRepo(t, "project-x", nil)
	_, err := stores.Builders.ReadByName(context.Background(), nil, repo.ID, "nope")
	require.Error(t, err)
	assert.True(t, gerror.IsNotFound(err))
}

func TestUpdatePosition(t *testing.T) {
	stores := storetest.NewStores(t)
	ctx := context.Background()

	repo := stores.CreateRepo(t, "project-x", nil)
	builder := stores.CreateBuilder(t, repo, "unit-tests", models.DefaultBuilderPosition)

	builder.Position = 2
	require.NoError(t, stores.Builders.Update(ctx, nil, builder))

	loaded, err := stores.Builders.Read(ctx, nil, builder.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Position)
}
