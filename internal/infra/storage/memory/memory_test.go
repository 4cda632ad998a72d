package memory

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/catalogsync/internal/core/domain"
	"github.com/vietddude/catalogsync/internal/infra/storage"
)

func TestCatalogRepo_UpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := NewCatalogRepo(NewMemoryStorage())

	item := &domain.EnrichedItem{StoreID: "s1", SourceID: "p1", Title: "Mug", Tags: []string{"a"}}
	require.NoError(t, repo.Upsert(ctx, item))
	item.Title = "Big Mug"
	item.Tags[0] = "mutated"
	require.NoError(t, repo.Upsert(ctx, item))

	got := repo.Get("s1", "p1")
	require.NotNil(t, got)
	assert.Equal(t, "Big Mug", got.Title)
	assert.Equal(t, 1, repo.Count("s1"))
	assert.Equal(t, 0, repo.Count("s2"))
}

func TestRunRepo_SummaryLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewRunRepo(NewMemoryStorage())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"r1", "r2", "r3"} {
		start := base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, repo.SaveSummary(ctx, domain.RunSummary{
			RunID: id, StoreID: "s1", State: domain.RunCompleted,
			StartedAt: start, EndedAt: start.Add(time.Minute),
		}))
	}

	got, err := repo.GetSummary(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, "r2", got.RunID)

	_, err = repo.GetSummary(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrSummaryNotFound)

	list, err := repo.ListSummaries(ctx, "s1", 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "r3", list[0].RunID)
	assert.Equal(t, "r2", list[1].RunID)

	n, err := repo.DeleteSummariesBefore(ctx, base.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	list, err = repo.ListSummaries(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestBlobRepo_PutImage(t *testing.T) {
	repo := NewBlobRepo(NewMemoryStorage(), "http://blobs.local")
	url, err := repo.PutImage(context.Background(), "s1/p1/0.jpg", "image/jpeg", strings.NewReader("bytes"))
	require.NoError(t, err)
	assert.Equal(t, "http://blobs.local/s1/p1/0.jpg", url)
}
