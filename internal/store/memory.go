package store

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"example.com/socialgraph/internal/models"
)

// MemoryStore keeps aggregates in process memory. It backs tests and STORE_BACKEND=memory.
type MemoryStore struct {
	mu     sync.RWMutex
	users  map[int64]*models.User
	lastID int64

	// Now stamps new posts; defaults to the wall clock in UTC.
	Now        func() time.Time
	ShouldFail bool // flag to simulate failures
}

// NewMemory initializes an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		users: make(map[int64]*models.User),
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Close() {}

func (m *MemoryStore) GetUser(_ context.Context, id int64) (*models.User, error) {
	if m.ShouldFail {
		return nil, errors.New("mock: get user failed")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, userNotFound(id)
	}
	return u.Clone(), nil
}

func (m *MemoryStore) ListUsers(_ context.Context) ([]models.User, error) {
	if m.ShouldFail {
		return nil, errors.New("mock: list users failed")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	res := make([]models.User, 0, len(m.users))
	for _, u := range m.users {
		res = append(res, *u.Clone())
	}
	slices.SortFunc(res, func(a, b models.User) int { return cmp.Compare(a.ID, b.ID) })
	return res, nil
}

func (m *MemoryStore) SaveUser(_ context.Context, u *models.User) (*models.User, error) {
	if m.ShouldFail {
		return nil, errors.New("mock: save user failed")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	saved := u.Clone()
	created := map[int64]time.Time{}

	if saved.ID == 0 {
		saved.ID = m.nextID()
		saved.Version = 0
	} else {
		cur, ok := m.users[saved.ID]
		if !ok {
			return nil, userNotFound(saved.ID)
		}
		if cur.Version != saved.Version {
			return nil, models.ErrConflict
		}
		for _, p := range cur.Posts {
			created[p.ID] = p.Created
		}
	}

	now := m.Now()
	for i := range saved.Posts {
		p := &saved.Posts[i]
		if p.ID == 0 {
			p.ID = m.nextID()
			p.Created = now
		} else if c, ok := created[p.ID]; ok {
			p.Created = c
		}
	}
	saved.Version++

	m.users[saved.ID] = saved.Clone()
	return saved, nil
}

func (m *MemoryStore) DeleteUser(_ context.Context, id int64) error {
	if m.ShouldFail {
		return errors.New("mock: delete user failed")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[id]; !ok {
		return userNotFound(id)
	}
	delete(m.users, id)
	return nil
}

func (m *MemoryStore) GetFollowers(_ context.Context, id int64) ([]int64, error) {
	if m.ShouldFail {
		return nil, errors.New("mock: get followers failed")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var res []int64
	for uid, u := range m.users {
		if u.Follows(id) {
			res = append(res, uid)
		}
	}
	slices.Sort(res)
	return res, nil
}

func (m *MemoryStore) FindPostOwner(_ context.Context, postID int64) (int64, error) {
	if m.ShouldFail {
		return 0, errors.New("mock: find post owner failed")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	for uid, u := range m.users {
		if u.PostIndex(postID) >= 0 {
			return uid, nil
		}
	}
	return 0, postNotFound(postID)
}

// nextID must be called with mu held.
func (m *MemoryStore) nextID() int64 {
	m.lastID++
	return m.lastID
}

