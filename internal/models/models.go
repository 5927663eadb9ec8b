package models

import (
	"slices"
	"time"
)

// MaxPostLength is the upper bound of a post's text, in characters.
const MaxPostLength = 140

// User is the aggregate root: the user, its owned posts and the ids it follows.
type User struct {
	ID        int64   `json:"id"`
	Username  string  `json:"username"`
	Posts     []Post  `json:"posts"`
	Followees []int64 `json:"followees"`
	Version   int64   `json:"-"`
}

// Post is owned by exactly one User. ID and Created are assigned by the store.
type Post struct {
	ID      int64     `json:"id"`
	Text    string    `json:"text"`
	Created time.Time `json:"creationDateTime"`
}

// Clone returns a deep copy so callers can mutate it without touching shared state.
func (u *User) Clone() *User {
	c := *u
	c.Posts = slices.Clone(u.Posts)
	c.Followees = slices.Clone(u.Followees)
	return &c
}

// PostIndex returns the position of the post with the given id, or -1.
func (u *User) PostIndex(postID int64) int {
	return slices.IndexFunc(u.Posts, func(p Post) bool { return p.ID == postID })
}

func (u *User) Follows(id int64) bool {
	return slices.Contains(u.Followees, id)
}
