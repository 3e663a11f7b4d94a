package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"viralflow/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "viralflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func storedAnalysis(id, owner string, created time.Time) *types.StoredAnalysis {
	return &types.StoredAnalysis{
		ID:        id,
		UserID:    owner,
		VideoName: "clip.mp4",
		Analysis: types.VideoAnalysis{
			PrimaryTrendingTitle: "You Won't Believe This Ending",
		},
		Thumbnails: []types.Thumbnail{{ID: id + "-thumb", URL: "data:image/png;base64,QUJD"}},
		CreatedAt:  created,
	}
}

func TestSaveAndGetAnalysis(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.SaveAnalysis(storedAnalysis("run-1", types.GuestUserID, now)))

	got, err := s.GetAnalysis("run-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "clip.mp4", got.VideoName)
	assert.Equal(t, "You Won't Believe This Ending", got.Analysis.PrimaryTrendingTitle)
	assert.Len(t, got.Thumbnails, 1)
	assert.True(t, got.CreatedAt.Equal(now))
}

func TestGetAnalysisAbsentReturnsNil(t *testing.T) {
	s := newTestStore(t)

	got, err := s.GetAnalysis("missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSaveAnalysisIsInsertOnly(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	require.NoError(t, s.SaveAnalysis(storedAnalysis("run-1", types.GuestUserID, now)))

	err := s.SaveAnalysis(storedAnalysis("run-1", "someone-else", now))
	assert.ErrorIs(t, err, ErrDuplicateAnalysis)

	got, err := s.GetAnalysis("run-1")
	require.NoError(t, err)
	assert.Equal(t, types.GuestUserID, got.UserID)
}

func TestListByOwnerNewestFirst(t *testing.T) {
	s := newTestStore(t)
	base := time.Now().UTC()

	require.NoError(t, s.SaveAnalysis(storedAnalysis("run-old", types.GuestUserID, base.Add(-2*time.Hour))))
	require.NoError(t, s.SaveAnalysis(storedAnalysis("run-new", types.GuestUserID, base)))
	require.NoError(t, s.SaveAnalysis(storedAnalysis("run-mid", types.GuestUserID, base.Add(-time.Hour))))
	require.NoError(t, s.SaveAnalysis(storedAnalysis("run-other", "other-user", base)))

	got, err := s.ListByOwner(types.GuestUserID)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "run-new", got[0].ID)
	assert.Equal(t, "run-mid", got[1].ID)
	assert.Equal(t, "run-old", got[2].ID)
}

func TestListByOwnerEmptyWhenNoRuns(t *testing.T) {
	s := newTestStore(t)

	got, err := s.ListByOwner("nobody")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRegisterUserDuplicateEmailRejected(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.RegisterUser(&types.User{
		ID:    "u-1",
		Email: "creator@example.com",
		Name:  "Creator",
	}))

	err := s.RegisterUser(&types.User{
		ID:    "u-2",
		Email: "creator@example.com",
		Name:  "Impostor",
	})
	assert.ErrorIs(t, err, ErrUserExists)

	got, err := s.GetUser("creator@example.com")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "u-1", got.ID)
	assert.Equal(t, "Creator", got.Name)
}

func TestGetUserAbsentReturnsNil(t *testing.T) {
	s := newTestStore(t)

	got, err := s.GetUser("ghost@example.com")
	require.NoError(t, err)
	assert.Nil(t, got)
}
