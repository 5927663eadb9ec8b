// Package social implements the follow graph and post lifecycle on top of a Store of
// User aggregates, and assembles walls and timelines from it.
//
// Every mutation is a read-modify-write of one aggregate, serialised per user id inside
// the process. Stores reject stale versions with models.ErrConflict, which covers writers
// in other processes; the service reports the conflict and never retries.
package social

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"unicode/utf8"

	appkafka "example.com/socialgraph/internal/broker"
	"example.com/socialgraph/internal/feed"
	"example.com/socialgraph/internal/logger"
	"example.com/socialgraph/internal/metrics"
	"example.com/socialgraph/internal/models"
	"example.com/socialgraph/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultFanout = 8

var logg = logger.New()

type Service struct {
	store  store.Store
	events appkafka.Publisher
	locks  *keyedMutex
	fanout int
}

type Option func(*Service)

// WithPublisher sets where domain events go. Defaults to appkafka.NopPublisher.
func WithPublisher(p appkafka.Publisher) Option {
	return func(s *Service) { s.events = p }
}

// WithTimelineFanout bounds how many followees a timeline loads concurrently.
func WithTimelineFanout(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.fanout = n
		}
	}
}

func New(st store.Store, opts ...Option) *Service {
	s := &Service{
		store:  st,
		events: appkafka.NopPublisher{},
		locks:  newKeyedMutex(),
		fanout: defaultFanout,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ValidateText checks the 1-140 character rule. Length is counted in code points.
func ValidateText(text string) error {
	n := utf8.RuneCountInString(text)
	if n < 1 || n > models.MaxPostLength {
		return fmt.Errorf("post text must be 1-%d characters, got %d: %w",
			models.MaxPostLength, n, models.ErrInvalidArgument)
	}
	return nil
}

// --- Users ---

func (s *Service) CreateUser(ctx context.Context, username string) (*models.User, error) {
	u, err := s.store.SaveUser(ctx, &models.User{Username: username})
	if err != nil {
		return nil, err
	}
	logg.Info("social", "User created", zap.Int64("user_id", u.ID))
	s.publish(ctx, appkafka.NewEvent(appkafka.UserCreated, u.ID, 0))
	return u, nil
}

func (s *Service) GetUser(ctx context.Context, id int64) (*models.User, error) {
	return s.store.GetUser(ctx, id)
}

func (s *Service) ListUsers(ctx context.Context) ([]models.User, error) {
	return s.store.ListUsers(ctx)
}

// DeleteUser removes the user and its posts, then drops the follow edges that point at
// it. An edge that cannot be dropped here is retried by whoever consumes the
// user_deleted event.
func (s *Service) DeleteUser(ctx context.Context, id int64) error {
	unlock := s.locks.Lock(id)
	err := s.store.DeleteUser(ctx, id)
	unlock()
	if err != nil {
		return err
	}
	logg.Info("social", "User deleted", zap.Int64("user_id", id))

	s.dropEdgesTo(ctx, id)
	s.publish(ctx, appkafka.NewEvent(appkafka.UserDeleted, id, 0))
	return nil
}

// dropEdgesTo unfollows id on behalf of each of its followers, taking one follower lock
// at a time.
func (s *Service) dropEdgesTo(ctx context.Context, id int64) {
	followers, err := s.store.GetFollowers(ctx, id)
	if err != nil {
		logg.Error("social", "Failed to load followers of deleted user", err, zap.Int64("user_id", id))
		return
	}
	for _, follower := range followers {
		err := s.Unfollow(ctx, follower, id)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			logg.Error("social", "Failed to drop follow edge", err,
				zap.Int64("user_id", follower), zap.Int64("followee_id", id))
		}
	}
}

// --- Social graph ---

// Follow adds followeeID to the follower's followee set. Only the follower is written.
func (s *Service) Follow(ctx context.Context, followerID, followeeID int64) error {
	if followerID == followeeID {
		return fmt.Errorf("user %d cannot follow itself: %w", followerID, models.ErrInvalidArgument)
	}

	unlock := s.locks.Lock(followerID)
	defer unlock()

	u, err := s.store.GetUser(ctx, followerID)
	if err != nil {
		return err
	}
	if u.Follows(followeeID) {
		return fmt.Errorf("user %d already follows %d: %w", followerID, followeeID, models.ErrAlreadyFollowing)
	}
	if _, err := s.store.GetUser(ctx, followeeID); err != nil {
		return err
	}

	u.Followees = append(u.Followees, followeeID)
	if _, err := s.save(ctx, u); err != nil {
		return err
	}

	metrics.GraphOp("follow")
	logg.Info("social", "Followed", zap.Int64("user_id", followerID), zap.Int64("followee_id", followeeID))
	s.publish(ctx, appkafka.NewEvent(appkafka.Followed, followerID, followeeID))
	return nil
}

// Unfollow removes followeeID from the follower's set. Unfollowing a user that is not
// followed is an error.
func (s *Service) Unfollow(ctx context.Context, followerID, followeeID int64) error {
	unlock := s.locks.Lock(followerID)
	defer unlock()

	u, err := s.store.GetUser(ctx, followerID)
	if err != nil {
		return err
	}
	i := slices.Index(u.Followees, followeeID)
	if i < 0 {
		return fmt.Errorf("user %d does not follow %d: %w", followerID, followeeID, models.ErrNotFound)
	}

	u.Followees = slices.Delete(u.Followees, i, i+1)
	if _, err := s.save(ctx, u); err != nil {
		return err
	}

	metrics.GraphOp("unfollow")
	logg.Info("social", "Unfollowed", zap.Int64("user_id", followerID), zap.Int64("followee_id", followeeID))
	s.publish(ctx, appkafka.NewEvent(appkafka.Unfollowed, followerID, followeeID))
	return nil
}

// --- Feeds ---

// Wall returns the user's own posts, newest first.
func (s *Service) Wall(ctx context.Context, userID int64) ([]models.Post, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return feed.Wall(u), nil
}

// Timeline returns the posts of everyone the user follows, newest first. The user's own
// posts are not included. Followees that no longer exist are skipped.
func (s *Service) Timeline(ctx context.Context, userID int64) ([]models.Post, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	followees := make([]*models.User, len(u.Followees))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.fanout)
	for i, id := range u.Followees {
		g.Go(func() error {
			f, err := s.store.GetUser(gctx, id)
			if errors.Is(err, models.ErrNotFound) {
				logg.Debug("social", "Skipping missing followee",
					zap.Int64("user_id", userID), zap.Int64("followee_id", id))
				return nil
			}
			if err != nil {
				return err
			}
			followees[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return feed.Timeline(slices.DeleteFunc(followees, func(f *models.User) bool { return f == nil })), nil
}

// ListPosts returns every post of every user, newest first.
func (s *Service) ListPosts(ctx context.Context) ([]models.Post, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	all := make([]*models.User, len(users))
	for i := range users {
		all[i] = &users[i]
	}
	return feed.Timeline(all), nil
}

// --- Posts ---

func (s *Service) GetPost(ctx context.Context, userID, postID int64) (*models.Post, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	i := u.PostIndex(postID)
	if i < 0 {
		return nil, postNotFound(userID, postID)
	}
	p := u.Posts[i]
	return &p, nil
}

// FindPost looks a post up by id alone and reports its owner.
func (s *Service) FindPost(ctx context.Context, postID int64) (*models.Post, int64, error) {
	owner, err := s.store.FindPostOwner(ctx, postID)
	if err != nil {
		return nil, 0, err
	}
	p, err := s.GetPost(ctx, owner, postID)
	if err != nil {
		return nil, 0, err
	}
	return p, owner, nil
}

// CreatePost appends a post to the user's collection and returns it with the id and
// timestamp the store assigned.
//
// The store hands back the whole aggregate, so the new post is located by position: the
// store keeps submission order, and the post was appended at the pre-save length. Texts
// are never compared, since a user may own several posts with the same text.
func (s *Service) CreatePost(ctx context.Context, userID int64, text string) (*models.Post, error) {
	if err := ValidateText(text); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(userID)
	defer unlock()

	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	pos := len(u.Posts)
	u.Posts = append(u.Posts, models.Post{Text: text})

	saved, err := s.save(ctx, u)
	if err != nil {
		return nil, err
	}
	if pos >= len(saved.Posts) || saved.Posts[pos].ID == 0 {
		return nil, fmt.Errorf("store returned user %d without the new post at position %d", userID, pos)
	}
	p := saved.Posts[pos]

	metrics.PostOp("created")
	logg.Info("social", "Post created", zap.Int64("user_id", userID), zap.Int64("post_id", p.ID))
	s.publish(ctx, appkafka.NewEvent(appkafka.PostCreated, userID, p.ID))
	return &p, nil
}

// UpdatePost replaces a post's text. Its id and creation time are kept.
func (s *Service) UpdatePost(ctx context.Context, userID, postID int64, text string) (*models.Post, error) {
	if err := ValidateText(text); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(userID)
	defer unlock()

	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	i := u.PostIndex(postID)
	if i < 0 {
		return nil, postNotFound(userID, postID)
	}
	u.Posts[i].Text = text

	saved, err := s.save(ctx, u)
	if err != nil {
		return nil, err
	}
	i = saved.PostIndex(postID)
	if i < 0 {
		return nil, fmt.Errorf("store returned user %d without post %d", userID, postID)
	}
	p := saved.Posts[i]

	metrics.PostOp("updated")
	logg.Info("social", "Post updated", zap.Int64("user_id", userID), zap.Int64("post_id", postID))
	s.publish(ctx, appkafka.NewEvent(appkafka.PostUpdated, userID, postID))
	return &p, nil
}

// UpdatePostByID updates a post without knowing its owner.
func (s *Service) UpdatePostByID(ctx context.Context, postID int64, text string) (*models.Post, error) {
	if err := ValidateText(text); err != nil {
		return nil, err
	}
	_, owner, err := s.FindPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	return s.UpdatePost(ctx, owner, postID, text)
}

// DeletePost removes the post from its owner; the post is gone for good.
func (s *Service) DeletePost(ctx context.Context, userID, postID int64) error {
	unlock := s.locks.Lock(userID)
	defer unlock()

	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	i := u.PostIndex(postID)
	if i < 0 {
		return postNotFound(userID, postID)
	}
	u.Posts = slices.Delete(u.Posts, i, i+1)

	if _, err := s.save(ctx, u); err != nil {
		return err
	}

	metrics.PostOp("deleted")
	logg.Info("social", "Post deleted", zap.Int64("user_id", userID), zap.Int64("post_id", postID))
	s.publish(ctx, appkafka.NewEvent(appkafka.PostDeleted, userID, postID))
	return nil
}

// --- helpers ---

func (s *Service) save(ctx context.Context, u *models.User) (*models.User, error) {
	saved, err := s.store.SaveUser(ctx, u)
	if errors.Is(err, models.ErrConflict) {
		metrics.Conflict()
		logg.Warn("social", "Concurrent update rejected", zap.Int64("user_id", u.ID))
	}
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// publish reports failures instead of returning them: the write already happened.
func (s *Service) publish(ctx context.Context, e appkafka.Event) {
	if err := s.events.Publish(ctx, e); err != nil {
		metrics.EventPublished(string(e.Type), false)
		logg.Error("social", "Failed to publish event", err, zap.String("type", string(e.Type)))
		return
	}
	metrics.EventPublished(string(e.Type), true)
}

func postNotFound(userID, postID int64) error {
	return fmt.Errorf("post %d of user %d: %w", postID, userID, models.ErrNotFound)
}
