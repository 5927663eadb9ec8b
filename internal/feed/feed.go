// Package feed assembles the read views of the social graph: a user's wall and the
// timeline built from the users it follows. Everything here is pure.
package feed

import (
	"cmp"
	"slices"

	"example.com/socialgraph/internal/models"
)

// NewestFirst orders posts by creation time descending. Equal timestamps fall back to
// the post id, higher first, so later-created posts still win ties.
func NewestFirst(a, b models.Post) int {
	if c := b.Created.Compare(a.Created); c != 0 {
		return c
	}
	return cmp.Compare(b.ID, a.ID)
}

// SortNewestFirst sorts posts in place using NewestFirst.
func SortNewestFirst(posts []models.Post) {
	slices.SortStableFunc(posts, NewestFirst)
}

// Wall returns a copy of the user's own posts, newest first.
func Wall(u *models.User) []models.Post {
	posts := make([]models.Post, len(u.Posts))
	copy(posts, u.Posts)
	SortNewestFirst(posts)
	return posts
}

// Timeline merges the posts of the given followees, newest first. It never returns nil.
func Timeline(followees []*models.User) []models.Post {
	n := 0
	for _, f := range followees {
		n += len(f.Posts)
	}
	posts := make([]models.Post, 0, n)
	for _, f := range followees {
		posts = append(posts, f.Posts...)
	}
	SortNewestFirst(posts)
	return posts
}
