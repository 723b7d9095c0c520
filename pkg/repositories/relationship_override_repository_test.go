package repositories

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-query-engine/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-query-engine/pkg/models"
)

func newTestRepo(t *testing.T) RelationshipOverrideRepository {
	t.Helper()
	repo, err := OpenRelationshipOverrideRepository(context.Background(), filepath.Join(t.TempDir(), "overrides.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func sampleOverride(draft bool) *models.RelationshipOverride {
	return &models.RelationshipOverride{
		Fingerprint:   "fp-1",
		Draft:         draft,
		Table:         "orders",
		Name:          "buyer",
		Direction:     models.ManyToOne,
		LocalColumn:   "customer_id",
		RelatedTable:  "customers",
		RelatedColumn: "id",
	}
}

func TestRelationshipOverrideRepository_UpsertAndList(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	o := sampleOverride(false)
	require.NoError(t, repo.Upsert(ctx, o))
	assert.NotEqual(t, uuid.Nil, o.ID)
	assert.False(t, o.CreatedAt.IsZero())

	list, err := repo.List(ctx, "fp-1", false)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, o.ID, list[0].ID)
	assert.Equal(t, "customer_id", list[0].LocalColumn)
	assert.Equal(t, models.ManyToOne, list[0].Direction)

	drafts, err := repo.List(ctx, "fp-1", true)
	require.NoError(t, err)
	assert.Empty(t, drafts)

	other, err := repo.List(ctx, "fp-2", false)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestRelationshipOverrideRepository_UpsertUpdatesSameName(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	first := sampleOverride(false)
	require.NoError(t, repo.Upsert(ctx, first))

	second := sampleOverride(false)
	second.Hidden = true
	second.RelatedColumn = "uuid"
	require.NoError(t, repo.Upsert(ctx, second))
	assert.Equal(t, first.ID, second.ID, "conflicting upsert keeps the stored id")

	got, err := repo.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, got.Hidden)
	assert.Equal(t, "uuid", got.RelatedColumn)
}

func TestRelationshipOverrideRepository_Validation(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(o *models.RelationshipOverride)
	}{
		{"missing table", func(o *models.RelationshipOverride) { o.Table = "" }},
		{"missing fingerprint", func(o *models.RelationshipOverride) { o.Fingerprint = "" }},
		{"bad direction", func(o *models.RelationshipOverride) { o.Direction = "sideways" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := sampleOverride(false)
			tt.mutate(o)
			err := repo.Upsert(ctx, o)
			assert.ErrorIs(t, err, apperrors.ErrValidation)
		})
	}
}

func TestRelationshipOverrideRepository_Delete(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	o := sampleOverride(true)
	require.NoError(t, repo.Upsert(ctx, o))
	require.NoError(t, repo.Delete(ctx, o.ID))

	_, err := repo.Get(ctx, o.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, o.ID), apperrors.ErrNotFound)
}

func TestRelationshipOverrideRepository_Publish(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	stale := sampleOverride(false)
	stale.Name = "old_link"
	require.NoError(t, repo.Upsert(ctx, stale))

	draft := sampleOverride(true)
	draft.Hidden = true
	require.NoError(t, repo.Upsert(ctx, draft))

	require.NoError(t, repo.Publish(ctx, "fp-1"))

	live, err := repo.List(ctx, "fp-1", false)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "buyer", live[0].Name)
	assert.True(t, live[0].Hidden)
	assert.NotEqual(t, draft.ID, live[0].ID)

	drafts, err := repo.List(ctx, "fp-1", true)
	require.NoError(t, err)
	assert.Len(t, drafts, 1, "drafts survive publishing")
}

func TestRelationshipOverrideRepository_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overrides.db")
	ctx := context.Background()

	repo, err := OpenRelationshipOverrideRepository(ctx, path)
	require.NoError(t, err)
	require.NoError(t, repo.Upsert(ctx, sampleOverride(false)))
	require.NoError(t, repo.Close())

	reopened, err := OpenRelationshipOverrideRepository(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()

	list, err := reopened.List(ctx, "fp-1", false)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
