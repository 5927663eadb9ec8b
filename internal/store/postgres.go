package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	config "example.com/socialgraph/internal/init"
	"example.com/socialgraph/internal/models"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

// PostgresStore maps the aggregate onto users, posts and follows tables. Ids and post
// timestamps come from the database (BIGSERIAL, DEFAULT now()).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres connects through the pgx driver and applies migrations.
func NewPostgres(ctx context.Context, cfg *config.Config) (*PostgresStore, error) {
	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := runMigrations(filepath.Join(cfg.MigrationsDir, "postgres"), migrateURL(cfg.PostgresDSN)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logg.Info("store", "Connected to Postgres")
	return NewPostgresFromDB(db), nil
}

// NewPostgresFromDB wraps an already opened database.
func NewPostgresFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// migrateURL rewrites a postgres DSN to the scheme of migrate's pgx/v5 driver.
func migrateURL(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}

func (s *PostgresStore) Close() {
	if err := s.db.Close(); err != nil {
		logg.Error("store", "Error closing Postgres pool", err)
		return
	}
	logg.Info("store", "Postgres pool closed")
}

func (s *PostgresStore) GetUser(ctx context.Context, id int64) (*models.User, error) {
	u := models.User{ID: id}
	err := s.db.QueryRowContext(ctx,
		`SELECT username, version FROM users WHERE id = $1`, id,
	).Scan(&u.Username, &u.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, userNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("load user %d: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, body, created_at FROM posts WHERE user_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("load posts of user %d: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var p models.Post
		if err := rows.Scan(&p.ID, &p.Text, &p.Created); err != nil {
			return nil, err
		}
		p.Created = p.Created.UTC()
		u.Posts = append(u.Posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	u.Followees, err = queryIDs(ctx, s.db,
		`SELECT followee_id FROM follows WHERE follower_id = $1 ORDER BY followee_id`, id)
	if err != nil {
		return nil, fmt.Errorf("load followees of user %d: %w", id, err)
	}
	return &u, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]models.User, error) {
	ids, err := queryIDs(ctx, s.db, `SELECT id FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	res := make([]models.User, 0, len(ids))
	for _, id := range ids {
		u, err := s.GetUser(ctx, id)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		res = append(res, *u)
	}
	return res, nil
}

func (s *PostgresStore) SaveUser(ctx context.Context, u *models.User) (*models.User, error) {
	saved := u.Clone()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	isNew := saved.ID == 0
	if isNew {
		if err := tx.QueryRowContext(ctx,
			`INSERT INTO users (username, version) VALUES ($1, 1) RETURNING id`, saved.Username,
		).Scan(&saved.ID); err != nil {
			return nil, fmt.Errorf("insert user: %w", err)
		}
		saved.Version = 1
	} else {
		if err := s.bumpVersion(ctx, tx, saved); err != nil {
			return nil, err
		}
	}

	if err := savePosts(ctx, tx, saved, isNew); err != nil {
		return nil, err
	}
	if err := saveFollowees(ctx, tx, saved, isNew); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit user %d: %w", saved.ID, err)
	}
	return saved, nil
}

// bumpVersion performs the version-checked update of the user row.
func (s *PostgresStore) bumpVersion(ctx context.Context, tx *sql.Tx, u *models.User) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE users SET username = $1, version = version + 1 WHERE id = $2 AND version = $3`,
		u.Username, u.ID, u.Version)
	if err != nil {
		return fmt.Errorf("update user %d: %w", u.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, u.ID,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return userNotFound(u.ID)
		}
		logg.Warn("store", "Stale user version", zap.Int64("user_id", u.ID), zap.Int64("version", u.Version))
		return models.ErrConflict
	}
	u.Version++
	return nil
}

func savePosts(ctx context.Context, tx *sql.Tx, u *models.User, isNew bool) error {
	if !isNew {
		existing, err := queryIDs(ctx, tx, `SELECT id FROM posts WHERE user_id = $1`, u.ID)
		if err != nil {
			return err
		}
		for _, id := range existing {
			if u.PostIndex(id) >= 0 {
				continue
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM posts WHERE id = $1`, id); err != nil {
				return fmt.Errorf("delete post %d: %w", id, err)
			}
		}
	}

	for i := range u.Posts {
		p := &u.Posts[i]
		if p.ID == 0 {
			if err := tx.QueryRowContext(ctx,
				`INSERT INTO posts (user_id, body) VALUES ($1, $2) RETURNING id, created_at`,
				u.ID, p.Text,
			).Scan(&p.ID, &p.Created); err != nil {
				return fmt.Errorf("insert post: %w", err)
			}
		} else {
			err := tx.QueryRowContext(ctx,
				`UPDATE posts SET body = $1 WHERE id = $2 AND user_id = $3 RETURNING created_at`,
				p.Text, p.ID, u.ID,
			).Scan(&p.Created)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("post %d: %w", p.ID, models.ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("update post %d: %w", p.ID, err)
			}
		}
		p.Created = p.Created.UTC()
	}
	return nil
}

func saveFollowees(ctx context.Context, tx *sql.Tx, u *models.User, isNew bool) error {
	var existing []int64
	if !isNew {
		var err error
		existing, err = queryIDs(ctx, tx, `SELECT followee_id FROM follows WHERE follower_id = $1`, u.ID)
		if err != nil {
			return err
		}
	}

	for _, id := range existing {
		if u.Follows(id) {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM follows WHERE follower_id = $1 AND followee_id = $2`, u.ID, id,
		); err != nil {
			return fmt.Errorf("delete follow %d->%d: %w", u.ID, id, err)
		}
	}
	for _, id := range u.Followees {
		if slices.Contains(existing, id) {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO follows (follower_id, followee_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, u.ID, id,
		); err != nil {
			return fmt.Errorf("insert follow %d->%d: %w", u.ID, id, err)
		}
	}
	return nil
}

func (s *PostgresStore) DeleteUser(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete user %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return userNotFound(id)
	}
	return nil
}

func (s *PostgresStore) GetFollowers(ctx context.Context, id int64) ([]int64, error) {
	return queryIDs(ctx, s.db,
		`SELECT follower_id FROM follows WHERE followee_id = $1 ORDER BY follower_id`, id)
}

func (s *PostgresStore) FindPostOwner(ctx context.Context, postID int64) (int64, error) {
	var owner int64
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM posts WHERE id = $1`, postID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, postNotFound(postID)
	}
	if err != nil {
		return 0, fmt.Errorf("find owner of post %d: %w", postID, err)
	}
	return owner, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryIDs(ctx context.Context, q queryer, query string, args ...any) ([]int64, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
