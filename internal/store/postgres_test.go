package store

import (
	"context"
	"testing"
	"time"

	"example.com/socialgraph/internal/models"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPostgres(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresFromDB(db), mock
}

func TestPostgres_GetUser(t *testing.T) {
	s, mock := newMockPostgres(t)
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT username, version FROM users WHERE id = \$1`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"username", "version"}).AddRow("ann", int64(3)))
	mock.ExpectQuery(`SELECT id, body, created_at FROM posts WHERE user_id = \$1`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "body", "created_at"}).AddRow(int64(11), "hello", created))
	mock.ExpectQuery(`SELECT followee_id FROM follows WHERE follower_id = \$1`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"followee_id"}).AddRow(int64(2)).AddRow(int64(4)))

	u, err := s.GetUser(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, "ann", u.Username)
	assert.Equal(t, int64(3), u.Version)
	assert.Equal(t, []models.Post{{ID: 11, Text: "hello", Created: created}}, u.Posts)
	assert.Equal(t, []int64{2, 4}, u.Followees)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetUserNotFound(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectQuery(`SELECT username, version FROM users WHERE id = \$1`).
		WithArgs(int64(8)).
		WillReturnRows(sqlmock.NewRows([]string{"username", "version"}))

	_, err := s.GetUser(context.Background(), 8)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SaveNewUser(t *testing.T) {
	s, mock := newMockPostgres(t)
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO users \(username, version\) VALUES \(\$1, 1\) RETURNING id`).
		WithArgs("ann").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(5)))
	mock.ExpectQuery(`INSERT INTO posts \(user_id, body\)`).
		WithArgs(int64(5), "hello").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(6), created))
	mock.ExpectExec(`INSERT INTO follows \(follower_id, followee_id\)`).
		WithArgs(int64(5), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	saved, err := s.SaveUser(context.Background(), &models.User{
		Username:  "ann",
		Posts:     []models.Post{{Text: "hello"}},
		Followees: []int64{2},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(5), saved.ID)
	assert.Equal(t, int64(1), saved.Version)
	assert.Equal(t, []models.Post{{ID: 6, Text: "hello", Created: created}}, saved.Posts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SaveExistingUserDiffsChildren(t *testing.T) {
	s, mock := newMockPostgres(t)
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE users SET username = \$1, version = version \+ 1 WHERE id = \$2 AND version = \$3`).
		WithArgs("ann", int64(5), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT id FROM posts WHERE user_id = \$1`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(6)).AddRow(int64(7)))
	mock.ExpectExec(`DELETE FROM posts WHERE id = \$1`).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`UPDATE posts SET body = \$1 WHERE id = \$2 AND user_id = \$3 RETURNING created_at`).
		WithArgs("edited", int64(6), int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(created))
	mock.ExpectQuery(`SELECT followee_id FROM follows WHERE follower_id = \$1`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"followee_id"}).AddRow(int64(2)))
	mock.ExpectExec(`DELETE FROM follows WHERE follower_id = \$1 AND followee_id = \$2`).
		WithArgs(int64(5), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO follows \(follower_id, followee_id\)`).
		WithArgs(int64(5), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	saved, err := s.SaveUser(context.Background(), &models.User{
		ID:        5,
		Version:   2,
		Username:  "ann",
		Posts:     []models.Post{{ID: 6, Text: "edited"}},
		Followees: []int64{3},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(3), saved.Version)
	assert.Equal(t, created, saved.Posts[0].Created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SaveStaleVersion(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE users SET username`).
		WithArgs("ann", int64(5), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM users WHERE id = \$1\)`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	_, err := s.SaveUser(context.Background(), &models.User{ID: 5, Version: 1, Username: "ann"})
	assert.ErrorIs(t, err, models.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_DeleteUserNotFound(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectExec(`DELETE FROM users WHERE id = \$1`).
		WithArgs(int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, s.DeleteUser(context.Background(), 9), models.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_FindPostOwner(t *testing.T) {
	s, mock := newMockPostgres(t)

	mock.ExpectQuery(`SELECT user_id FROM posts WHERE id = \$1`).
		WithArgs(int64(11)).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(int64(7)))
	mock.ExpectQuery(`SELECT user_id FROM posts WHERE id = \$1`).
		WithArgs(int64(12)).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}))

	owner, err := s.FindPostOwner(context.Background(), 11)
	require.NoError(t, err)
	assert.Equal(t, int64(7), owner)

	_, err = s.FindPostOwner(context.Background(), 12)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@host:5432/db", migrateURL("postgres://u:p@host:5432/db"))
	assert.Equal(t, "pgx5://host/db", migrateURL("postgresql://host/db"))
}
