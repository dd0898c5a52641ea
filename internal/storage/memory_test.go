package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelgate/pixelgate-serve-go/internal/model"
)

func TestOriginRoundTrip(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	origin := model.Origin{ID: "o1", Name: "cdn", Domain: "cdn.internal"}
	require.NoError(t, s.PutOrigin(ctx, origin))

	got, err := s.GetOrigin(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, "cdn", got.Name)
	assert.False(t, got.CreatedAt.IsZero(), "store assigns creation time")

	require.NoError(t, s.DeleteOrigin(ctx, "o1"))
	_, err = s.GetOrigin(ctx, "o1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteReferencedOriginRejected(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	require.NoError(t, s.PutOrigin(ctx, model.Origin{ID: "o1", Name: "cdn", Domain: "cdn.internal"}))
	require.NoError(t, s.PutMapping(ctx, model.Mapping{
		ID: "m1", MatchKind: model.MatchPath, Pattern: "/img/", OriginID: "o1",
	}))

	assert.ErrorIs(t, s.DeleteOrigin(ctx, "o1"), ErrOriginInUse)

	// Removing the mapping frees the origin
	require.NoError(t, s.DeleteMapping(ctx, "m1"))
	assert.NoError(t, s.DeleteOrigin(ctx, "o1"))
}

func TestMappingRequiresExistingOrigin(t *testing.T) {
	s := NewMemory()
	err := s.PutMapping(context.Background(), model.Mapping{
		ID: "m1", MatchKind: model.MatchPath, Pattern: "/img/", OriginID: "ghost",
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDefaultPolicySingleton(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	require.NoError(t, s.PutPolicy(ctx, model.TransformationPolicy{ID: "p1", Name: "first", IsDefault: true}))

	// A second default is rejected
	err := s.PutPolicy(ctx, model.TransformationPolicy{ID: "p2", Name: "second", IsDefault: true})
	assert.ErrorIs(t, err, ErrDefaultExists)

	// Rewriting the same default is allowed
	assert.NoError(t, s.PutPolicy(ctx, model.TransformationPolicy{ID: "p1", Name: "first-renamed", IsDefault: true}))

	// Non-default policies are unaffected
	assert.NoError(t, s.PutPolicy(ctx, model.TransformationPolicy{ID: "p3", Name: "plain"}))

	// Deleting the default frees the slot
	require.NoError(t, s.DeletePolicy(ctx, "p1"))
	assert.NoError(t, s.PutPolicy(ctx, model.TransformationPolicy{ID: "p2", Name: "second", IsDefault: true}))
}

func TestScanConfigIsOrdered(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	for _, id := range []string{"o-c", "o-a", "o-b"} {
		require.NoError(t, s.PutOrigin(ctx, model.Origin{ID: id, Name: id, Domain: id + ".internal", CreatedAt: time.Now()}))
	}

	snap, err := s.ScanConfig(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Origins, 3)
	assert.Equal(t, "o-a", snap.Origins[0].ID)
	assert.Equal(t, "o-b", snap.Origins[1].ID)
	assert.Equal(t, "o-c", snap.Origins[2].ID)
}

func TestScanConfigSnapshotIsDetached(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	require.NoError(t, s.PutOrigin(ctx, model.Origin{ID: "o1", Name: "cdn", Domain: "cdn.internal"}))
	snap, err := s.ScanConfig(ctx)
	require.NoError(t, err)

	// Mutating the store after the scan must not change the snapshot
	require.NoError(t, s.PutOrigin(ctx, model.Origin{ID: "o1", Name: "renamed", Domain: "cdn.internal"}))
	assert.Equal(t, "cdn", snap.Origins[0].Name)
}
