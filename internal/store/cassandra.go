package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	config "example.com/socialgraph/internal/init"
	"example.com/socialgraph/internal/models"
	"github.com/gocql/gocql"
	"go.uber.org/zap"
)

// idSequence names the row in id_sequences shared by users and posts.
const idSequence = "entities"

const maxIDAttempts = 16

// --- Interfaces ---

type SessionInterface interface {
	Query(stmt string, values ...interface{}) *gocql.Query
	NewBatch(batchType gocql.BatchType) *gocql.Batch
	ExecuteBatch(batch *gocql.Batch) error
	MapExecuteBatchCAS(batch *gocql.Batch, dest map[string]interface{}) (bool, *gocql.Iter, error)
	Close()
}

// --- Store Implementation ---

// CassandraStore keeps one partition per user in the users table: the user fields are
// static columns and every owned post is a clustering row, so an aggregate save is a
// single-partition conditional batch.
type CassandraStore struct {
	Session SessionInterface
}

// NewCassandra initializes the Cassandra connection and applies migrations.
func NewCassandra(cfg *config.Config) (*CassandraStore, error) {
	if err := ensureKeyspace(cfg); err != nil {
		return nil, fmt.Errorf("failed to ensure keyspace: %w", err)
	}

	dbURL := fmt.Sprintf(
		"cassandra://%s/%s?x-migrations-table=schema_migrations&x-multi-statement=true",
		cfg.CassandraHost, cfg.CassandraKeyspace,
	)
	if err := runMigrations(filepath.Join(cfg.MigrationsDir, "cassandra"), dbURL); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	cluster := newCluster(cfg)
	cluster.Keyspace = cfg.CassandraKeyspace
	cluster.Consistency = gocql.Quorum
	cluster.SerialConsistency = gocql.Serial

	sess, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create Cassandra session: %w", err)
	}

	logg.Info("store", "Connected to Cassandra", zap.String("keyspace", cfg.CassandraKeyspace))
	return &CassandraStore{Session: sess}, nil
}

func newCluster(cfg *config.Config) *gocql.ClusterConfig {
	cluster := gocql.NewCluster(cfg.CassandraHost)
	cluster.Timeout = cfg.CassandraTimeout
	cluster.ConnectTimeout = cfg.CassandraTimeout

	if cfg.CassandraUsername != "" && cfg.CassandraPassword != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.CassandraUsername,
			Password: cfg.CassandraPassword,
		}
	}
	if cfg.CassandraDC != "" {
		cluster.HostFilter = gocql.DataCentreHostFilter(cfg.CassandraDC)
	}
	return cluster
}

// --- Ensure keyspace exists before migrations ---

func ensureKeyspace(cfg *config.Config) error {
	cluster := newCluster(cfg)
	cluster.Keyspace = "system"
	sess, err := cluster.CreateSession()
	if err != nil {
		return fmt.Errorf("failed to connect to Cassandra system keyspace: %w", err)
	}
	defer sess.Close()

	query := fmt.Sprintf(`
        CREATE KEYSPACE IF NOT EXISTS %s
        WITH replication = {'class': 'SimpleStrategy', 'replication_factor': 1};
    `, cfg.CassandraKeyspace)

	if err := sess.Query(query).Exec(); err != nil {
		return fmt.Errorf("failed to create keyspace: %w", err)
	}
	return nil
}

// Close gracefully closes Cassandra session.
func (s *CassandraStore) Close() {
	if s.Session != nil {
		s.Session.Close()
		logg.Info("store", "Cassandra session closed")
	}
}

// --- User operations ---

func (s *CassandraStore) GetUser(ctx context.Context, id int64) (*models.User, error) {
	iter := s.Session.Query(`
		SELECT username, followees, version, post_id, body, created_at
		FROM users WHERE user_id = ?`,
		id,
	).WithContext(ctx).Iter()

	var (
		u         = models.User{ID: id}
		found     bool
		username  string
		followees []int64
		version   int64
		postID    int64
		body      string
		created   time.Time
	)
	for iter.Scan(&username, &followees, &version, &postID, &body, &created) {
		found = true
		u.Username, u.Followees, u.Version = username, followees, version
		// A partition without posts yields one row with a null clustering key.
		if postID != 0 {
			u.Posts = append(u.Posts, models.Post{ID: postID, Text: body, Created: created.UTC()})
		}
	}
	if err := iter.Close(); err != nil {
		logg.Error("store", "Failed to load user", err, zap.Int64("user_id", id))
		return nil, err
	}
	if !found {
		return nil, userNotFound(id)
	}
	return &u, nil
}

func (s *CassandraStore) ListUsers(ctx context.Context) ([]models.User, error) {
	iter := s.Session.Query(`SELECT DISTINCT user_id FROM users`).WithContext(ctx).Iter()

	var id int64
	var ids []int64
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		logg.Error("store", "Failed to list users", err)
		return nil, err
	}
	slices.Sort(ids)

	res := make([]models.User, 0, len(ids))
	for _, id := range ids {
		u, err := s.GetUser(ctx, id)
		if errors.Is(err, models.ErrNotFound) {
			continue // deleted in between
		}
		if err != nil {
			return nil, err
		}
		res = append(res, *u)
	}
	return res, nil
}

func (s *CassandraStore) SaveUser(ctx context.Context, u *models.User) (*models.User, error) {
	saved := u.Clone()
	isNew := saved.ID == 0

	prevCreated := map[int64]time.Time{}
	var prevFollowees []int64

	if isNew {
		id, err := s.nextID(ctx)
		if err != nil {
			return nil, err
		}
		saved.ID = id
		saved.Version = 0
	} else {
		cur, err := s.GetUser(ctx, saved.ID)
		if err != nil {
			return nil, err
		}
		if cur.Version != saved.Version {
			return nil, models.ErrConflict
		}
		for _, p := range cur.Posts {
			prevCreated[p.ID] = p.Created
		}
		prevFollowees = cur.Followees
	}

	// Cassandra timestamps have millisecond precision.
	now := time.Now().UTC().Truncate(time.Millisecond)
	added, err := stampPosts(saved.Posts, prevCreated, now, func() (int64, error) { return s.nextID(ctx) })
	if err != nil {
		return nil, err
	}
	removed := removedPosts(prevCreated, saved.Posts)

	batch := s.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	for _, st := range planUserBatch(saved, isNew, removed) {
		batch.Query(st.cql, st.args...)
	}

	applied, iter, err := s.Session.MapExecuteBatchCAS(batch, map[string]interface{}{})
	if iter != nil {
		_ = iter.Close()
	}
	if err != nil {
		logg.Error("store", "Failed to save user", err, zap.Int64("user_id", saved.ID))
		return nil, err
	}
	if !applied {
		return nil, models.ErrConflict
	}
	saved.Version++

	followed, unfollowed := diffIDs(prevFollowees, saved.Followees)
	s.syncIndexes(ctx, planIndexBatch(saved.ID, followed, unfollowed, added, removed))
	return saved, nil
}

// statement is one CQL query of a batch.
type statement struct {
	cql  string
	args []interface{}
}

// stampPosts gives every post without an id a fresh id and the save time, and restores
// the stored creation time of the others. It returns the ids it assigned.
func stampPosts(posts []models.Post, prevCreated map[int64]time.Time, now time.Time, nextID func() (int64, error)) ([]int64, error) {
	var added []int64
	for i := range posts {
		p := &posts[i]
		if p.ID != 0 {
			if c, ok := prevCreated[p.ID]; ok {
				p.Created = c
			}
			continue
		}
		id, err := nextID()
		if err != nil {
			return nil, err
		}
		p.ID, p.Created = id, now
		added = append(added, id)
	}
	return added, nil
}

// removedPosts lists the stored post ids that posts no longer holds, ascending.
func removedPosts(prevCreated map[int64]time.Time, posts []models.Post) []int64 {
	kept := make(map[int64]bool, len(posts))
	for _, p := range posts {
		kept[p.ID] = true
	}
	var removed []int64
	for id := range prevCreated {
		if !kept[id] {
			removed = append(removed, id)
		}
	}
	slices.Sort(removed)
	return removed
}

// diffIDs returns the ids only in after and the ids only in before.
func diffIDs(before, after []int64) (added, removed []int64) {
	for _, id := range after {
		if !slices.Contains(before, id) {
			added = append(added, id)
		}
	}
	for _, id := range before {
		if !slices.Contains(after, id) {
			removed = append(removed, id)
		}
	}
	return added, removed
}

// planUserBatch builds the conditional single-partition batch writing u. The first
// statement carries the version check; u.Version is the version being replaced.
func planUserBatch(u *models.User, isNew bool, removed []int64) []statement {
	next := u.Version + 1
	plan := make([]statement, 0, 1+len(u.Posts)+len(removed))
	if isNew {
		plan = append(plan, statement{
			`INSERT INTO users (user_id, username, followees, version) VALUES (?, ?, ?, ?) IF NOT EXISTS`,
			[]interface{}{u.ID, u.Username, u.Followees, next},
		})
	} else {
		plan = append(plan, statement{
			`UPDATE users SET username = ?, followees = ?, version = ? WHERE user_id = ? IF version = ?`,
			[]interface{}{u.Username, u.Followees, next, u.ID, u.Version},
		})
	}
	for _, p := range u.Posts {
		plan = append(plan, statement{
			`INSERT INTO users (user_id, post_id, body, created_at) VALUES (?, ?, ?, ?)`,
			[]interface{}{u.ID, p.ID, p.Text, p.Created},
		})
	}
	for _, id := range removed {
		plan = append(plan, statement{
			`DELETE FROM users WHERE user_id = ? AND post_id = ?`,
			[]interface{}{u.ID, id},
		})
	}
	return plan
}

// planIndexBatch builds the updates of followers_by_followee and posts_by_id that
// follow a write of user userID.
func planIndexBatch(userID int64, followed, unfollowed, postsAdded, postsRemoved []int64) []statement {
	var plan []statement
	for _, f := range followed {
		plan = append(plan, statement{
			`INSERT INTO followers_by_followee (followee_id, user_id) VALUES (?, ?)`,
			[]interface{}{f, userID},
		})
	}
	for _, f := range unfollowed {
		plan = append(plan, statement{
			`DELETE FROM followers_by_followee WHERE followee_id = ? AND user_id = ?`,
			[]interface{}{f, userID},
		})
	}
	for _, id := range postsAdded {
		plan = append(plan, statement{
			`INSERT INTO posts_by_id (post_id, user_id) VALUES (?, ?)`,
			[]interface{}{id, userID},
		})
	}
	for _, id := range postsRemoved {
		plan = append(plan, statement{
			`DELETE FROM posts_by_id WHERE post_id = ?`,
			[]interface{}{id},
		})
	}
	return plan
}

// syncIndexes applies index updates after the aggregate write. They are not atomic
// with it; a failure is logged.
func (s *CassandraStore) syncIndexes(ctx context.Context, plan []statement) {
	if len(plan) == 0 {
		return
	}
	batch := s.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	for _, st := range plan {
		batch.Query(st.cql, st.args...)
	}
	if err := s.Session.ExecuteBatch(batch); err != nil {
		logg.Error("store", "Failed to update indexes", err)
	}
}

func (s *CassandraStore) DeleteUser(ctx context.Context, id int64) error {
	u, err := s.GetUser(ctx, id)
	if err != nil {
		return err
	}

	if err := s.Session.Query(`DELETE FROM users WHERE user_id = ?`, id).WithContext(ctx).Exec(); err != nil {
		logg.Error("store", "Failed to delete user", err, zap.Int64("user_id", id))
		return err
	}

	postIDs := make([]int64, len(u.Posts))
	for i, p := range u.Posts {
		postIDs[i] = p.ID
	}
	// Incoming edges stay indexed until their followers drop them.
	s.syncIndexes(ctx, planIndexBatch(id, nil, u.Followees, nil, postIDs))
	return nil
}

// --- Follow operations ---

func (s *CassandraStore) GetFollowers(ctx context.Context, id int64) ([]int64, error) {
	iter := s.Session.Query(
		`SELECT user_id FROM followers_by_followee WHERE followee_id = ?`,
		id,
	).WithContext(ctx).Iter()

	var uid int64
	var res []int64
	for iter.Scan(&uid) {
		res = append(res, uid)
	}

	if err := iter.Close(); err != nil {
		logg.Error("store", "Failed to get followers", err)
		return nil, err
	}
	return res, nil
}

// --- Post lookup ---

func (s *CassandraStore) FindPostOwner(ctx context.Context, postID int64) (int64, error) {
	var owner int64
	err := s.Session.Query(`SELECT user_id FROM posts_by_id WHERE post_id = ?`, postID).
		WithContext(ctx).Scan(&owner)
	if errors.Is(err, gocql.ErrNotFound) {
		return 0, postNotFound(postID)
	}
	if err != nil {
		logg.Error("store", "Failed to find post owner", err, zap.Int64("post_id", postID))
		return 0, err
	}
	return owner, nil
}

// --- Identity allocation ---

// nextID hands out ids from a compare-and-set counter.
func (s *CassandraStore) nextID(ctx context.Context) (int64, error) {
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		var cur int64
		err := s.Session.Query(`SELECT next_id FROM id_sequences WHERE name = ?`, idSequence).
			WithContext(ctx).Scan(&cur)

		if errors.Is(err, gocql.ErrNotFound) {
			applied, err := s.Session.Query(
				`INSERT INTO id_sequences (name, next_id) VALUES (?, ?) IF NOT EXISTS`,
				idSequence, 2,
			).WithContext(ctx).MapScanCAS(map[string]interface{}{})
			if err != nil {
				return 0, fmt.Errorf("seed id sequence: %w", err)
			}
			if applied {
				return 1, nil
			}
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("read id sequence: %w", err)
		}

		applied, err := s.Session.Query(
			`UPDATE id_sequences SET next_id = ? WHERE name = ? IF next_id = ?`,
			cur+1, idSequence, cur,
		).WithContext(ctx).MapScanCAS(map[string]interface{}{})
		if err != nil {
			return 0, fmt.Errorf("advance id sequence: %w", err)
		}
		if applied {
			return cur, nil
		}
	}
	return 0, errors.New("allocate id: sequence contention")
}
