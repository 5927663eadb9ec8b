package store

import (
	"context"
	"fmt"

	config "example.com/socialgraph/internal/init"
	"example.com/socialgraph/internal/logger"
	"example.com/socialgraph/internal/models"
)

var logg = logger.New()

// Store persists User aggregates (a user with its owned posts and followee ids).
//
// SaveUser assigns ids to the user and to every post that has none, stamps new posts
// with their creation time, and bumps Version. A save whose Version does not match the
// persisted one fails with models.ErrConflict and changes nothing. SaveUser never
// mutates its argument, and the returned aggregate keeps Posts and Followees in the
// order they were submitted.
type Store interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
	SaveUser(ctx context.Context, u *models.User) (*models.User, error)
	DeleteUser(ctx context.Context, id int64) error
	// GetFollowers returns the ids of users whose followee set contains id.
	GetFollowers(ctx context.Context, id int64) ([]int64, error)
	// FindPostOwner returns the id of the user owning postID, or models.ErrNotFound.
	FindPostOwner(ctx context.Context, postID int64) (int64, error)
	Close()
}

// New opens the backend selected by cfg.StoreBackend.
func New(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.StoreBackend {
	case "cassandra", "":
		return NewCassandra(cfg)
	case "postgres":
		return NewPostgres(ctx, cfg)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func userNotFound(id int64) error {
	return fmt.Errorf("user %d: %w", id, models.ErrNotFound)
}

func postNotFound(id int64) error {
	return fmt.Errorf("post %d: %w", id, models.ErrNotFound)
}
