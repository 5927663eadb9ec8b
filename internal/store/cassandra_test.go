package store

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	config "example.com/socialgraph/internal/init"
	"example.com/socialgraph/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counter(start int64) func() (int64, error) {
	next := start
	return func() (int64, error) {
		next++
		return next, nil
	}
}

func TestStampPosts(t *testing.T) {
	stored := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		posts       []models.Post
		prevCreated map[int64]time.Time
		wantPosts   []models.Post
		wantAdded   []int64
	}{
		{
			name:      "new posts get ids in order",
			posts:     []models.Post{{Text: "a"}, {Text: "a"}},
			wantPosts: []models.Post{{ID: 101, Text: "a", Created: now}, {ID: 102, Text: "a", Created: now}},
			wantAdded: []int64{101, 102},
		},
		{
			name:        "stored creation time wins over submitted",
			posts:       []models.Post{{ID: 5, Text: "edited", Created: now}},
			prevCreated: map[int64]time.Time{5: stored},
			wantPosts:   []models.Post{{ID: 5, Text: "edited", Created: stored}},
		},
		{
			name:        "appended post keeps position after existing ones",
			posts:       []models.Post{{ID: 5, Text: "old"}, {Text: "new"}},
			prevCreated: map[int64]time.Time{5: stored},
			wantPosts:   []models.Post{{ID: 5, Text: "old", Created: stored}, {ID: 101, Text: "new", Created: now}},
			wantAdded:   []int64{101},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			posts := append([]models.Post(nil), tt.posts...)
			added, err := stampPosts(posts, tt.prevCreated, now, counter(100))
			require.NoError(t, err)
			assert.Equal(t, tt.wantPosts, posts)
			assert.Equal(t, tt.wantAdded, added)
		})
	}
}

func TestStampPosts_IDFailure(t *testing.T) {
	boom := errors.New("sequence down")
	_, err := stampPosts([]models.Post{{Text: "a"}}, nil, time.Now(), func() (int64, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
}

func TestRemovedPosts(t *testing.T) {
	prev := map[int64]time.Time{3: {}, 1: {}, 2: {}}

	assert.Empty(t, removedPosts(prev, []models.Post{{ID: 1}, {ID: 2}, {ID: 3}}))
	assert.Equal(t, []int64{1, 3}, removedPosts(prev, []models.Post{{ID: 2}, {ID: 9}}))
	assert.Equal(t, []int64{1, 2, 3}, removedPosts(prev, nil))
	assert.Empty(t, removedPosts(nil, []models.Post{{ID: 1}}))
}

func TestDiffIDs(t *testing.T) {
	tests := []struct {
		name          string
		before, after []int64
		added         []int64
		removed       []int64
	}{
		{name: "unchanged", before: []int64{1, 2}, after: []int64{1, 2}},
		{name: "follow", before: []int64{1}, after: []int64{1, 4}, added: []int64{4}},
		{name: "unfollow", before: []int64{1, 4}, after: []int64{4}, removed: []int64{1}},
		{name: "from empty", after: []int64{2, 3}, added: []int64{2, 3}},
		{name: "to empty", before: []int64{2, 3}, removed: []int64{2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			added, removed := diffIDs(tt.before, tt.after)
			assert.Equal(t, tt.added, added)
			assert.Equal(t, tt.removed, removed)
		})
	}
}

func TestPlanUserBatch_New(t *testing.T) {
	created := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	u := &models.User{ID: 7, Username: "ann", Followees: []int64{2},
		Posts: []models.Post{{ID: 8, Text: "hi", Created: created}}}

	plan := planUserBatch(u, true, nil)

	require.Len(t, plan, 2)
	assert.True(t, strings.HasSuffix(plan[0].cql, "IF NOT EXISTS"))
	assert.Equal(t, []interface{}{int64(7), "ann", []int64{2}, int64(1)}, plan[0].args)
	assert.True(t, strings.HasPrefix(plan[1].cql, "INSERT INTO users (user_id, post_id"))
	assert.Equal(t, []interface{}{int64(7), int64(8), "hi", created}, plan[1].args)
}

func TestPlanUserBatch_ExistingChecksVersionAndDeletes(t *testing.T) {
	u := &models.User{ID: 7, Username: "ann", Version: 3,
		Posts: []models.Post{{ID: 10, Text: "b"}, {ID: 9, Text: "a"}}}

	plan := planUserBatch(u, false, []int64{4, 5})

	require.Len(t, plan, 5)
	assert.True(t, strings.HasSuffix(plan[0].cql, "IF version = ?"))
	assert.Equal(t, []interface{}{"ann", []int64(nil), int64(4), int64(7), int64(3)}, plan[0].args)

	// Posts are written in submitted order.
	assert.Equal(t, int64(10), plan[1].args[1])
	assert.Equal(t, int64(9), plan[2].args[1])

	for i, id := range []int64{4, 5} {
		st := plan[3+i]
		assert.True(t, strings.HasPrefix(st.cql, "DELETE FROM users"))
		assert.Equal(t, []interface{}{int64(7), id}, st.args)
	}
}

func TestPlanIndexBatch(t *testing.T) {
	assert.Empty(t, planIndexBatch(7, nil, nil, nil, nil))

	plan := planIndexBatch(7, []int64{2}, []int64{3}, []int64{20}, []int64{21})
	require.Len(t, plan, 4)

	assert.True(t, strings.HasPrefix(plan[0].cql, "INSERT INTO followers_by_followee"))
	assert.Equal(t, []interface{}{int64(2), int64(7)}, plan[0].args)
	assert.True(t, strings.HasPrefix(plan[1].cql, "DELETE FROM followers_by_followee"))
	assert.Equal(t, []interface{}{int64(3), int64(7)}, plan[1].args)
	assert.True(t, strings.HasPrefix(plan[2].cql, "INSERT INTO posts_by_id"))
	assert.Equal(t, []interface{}{int64(20), int64(7)}, plan[2].args)
	assert.True(t, strings.HasPrefix(plan[3].cql, "DELETE FROM posts_by_id"))
	assert.Equal(t, []interface{}{int64(21)}, plan[3].args)
}

// TestCassandra_Integration runs the store against a live cluster named by
// CASSANDRA_TEST_HOST.
func TestCassandra_Integration(t *testing.T) {
	host := os.Getenv("CASSANDRA_TEST_HOST")
	if host == "" {
		t.Skip("CASSANDRA_TEST_HOST not set")
	}

	s, err := NewCassandra(&config.Config{
		CassandraHost:     host,
		CassandraKeyspace: "socialgraph_test",
		CassandraTimeout:  10 * time.Second,
		MigrationsDir:     "../../migrations",
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	ctx := context.Background()

	f, err := s.SaveUser(ctx, &models.User{Username: "f"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.Version)

	u, err := s.SaveUser(ctx, &models.User{Username: "u", Followees: []int64{f.ID},
		Posts: []models.Post{{Text: "same"}, {Text: "same"}}})
	require.NoError(t, err)
	require.Len(t, u.Posts, 2)
	assert.NotEqual(t, u.Posts[0].ID, u.Posts[1].ID)

	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, u.Posts, got.Posts)
	assert.Equal(t, []int64{f.ID}, got.Followees)

	followers, err := s.GetFollowers(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{u.ID}, followers)

	owner, err := s.FindPostOwner(ctx, u.Posts[1].ID)
	require.NoError(t, err)
	assert.Equal(t, u.ID, owner)

	// Edit one post, drop the other, unfollow.
	edit := got.Clone()
	edit.Posts = edit.Posts[1:]
	edit.Posts[0].Text = "edited"
	edit.Posts[0].Created = time.Now()
	edit.Followees = nil
	saved, err := s.SaveUser(ctx, edit)
	require.NoError(t, err)
	assert.Equal(t, u.Posts[1].Created, saved.Posts[0].Created)

	_, err = s.SaveUser(ctx, got)
	assert.ErrorIs(t, err, models.ErrConflict)

	_, err = s.FindPostOwner(ctx, u.Posts[0].ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	followers, err = s.GetFollowers(ctx, f.ID)
	require.NoError(t, err)
	assert.Empty(t, followers)

	require.NoError(t, s.DeleteUser(ctx, u.ID))
	_, err = s.GetUser(ctx, u.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = s.FindPostOwner(ctx, u.Posts[1].ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	require.NoError(t, s.DeleteUser(ctx, f.ID))
}
