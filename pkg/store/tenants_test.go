package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpipe/conductor/pkg/models"
	"github.com/agentpipe/conductor/pkg/store"
	testdb "github.com/agentpipe/conductor/test/database"
)

func TestCreateAndGetClient(t *testing.T) {
	pool := testdb.NewTestPool(t)
	s := store.New(pool)
	ctx := context.Background()

	created, err := s.CreateClient(ctx, "acme-corp")
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "acme-corp", created.Name)
	assert.Nil(t, created.ConstitutionText)

	fetched, err := s.GetClient(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, fetched.ID)
}

func TestCreateClientRejectsEmptyName(t *testing.T) {
	pool := testdb.NewTestPool(t)
	s := store.New(pool)

	_, err := s.CreateClient(context.Background(), "")
	assert.True(t, store.IsValidationError(err))
}

func TestGetClientNotFound(t *testing.T) {
	pool := testdb.NewTestPool(t)
	s := store.New(pool)

	_, err := s.GetClient(context.Background(), "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateConstitution(t *testing.T) {
	pool := testdb.NewTestPool(t)
	s := store.New(pool)
	ctx := context.Background()

	c, err := s.CreateClient(ctx, "acme-corp")
	require.NoError(t, err)

	require.NoError(t, s.UpdateConstitution(ctx, c.ID, "always write tests"))

	fetched, err := s.GetClient(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, fetched.ConstitutionText)
	assert.Equal(t, "always write tests", *fetched.ConstitutionText)
	assert.NotNil(t, fetched.ConstitutionGeneratedAt)
}

func TestCreateAndGetRepository(t *testing.T) {
	pool := testdb.NewTestPool(t)
	s := store.New(pool)
	ctx := context.Background()

	c, err := s.CreateClient(ctx, "acme-corp")
	require.NoError(t, err)

	repo, err := s.CreateRepository(ctx, models.Repository{
		ClientID: c.ID,
		Owner:    "agentpipe",
		Name:     "conductor",
	})
	require.NoError(t, err)
	assert.Equal(t, "main", repo.DefaultBranch)
	assert.Equal(t, "github", repo.Provider)

	fetched, err := s.GetRepositoryByFullName(ctx, c.ID, "agentpipe", "conductor")
	require.NoError(t, err)
	assert.Equal(t, repo.ID, fetched.ID)
}
