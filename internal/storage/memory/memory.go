// internal/storage/memory/memory.go
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/avelinsk/pumpsentry/internal/storage"
	"github.com/avelinsk/pumpsentry/internal/storage/models"
)

// Store is an in-memory Storage used by tests and local runs without
// postgres. All methods are safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	keypairs  map[string]models.KeypairRecord            // userID -> record
	settings  map[string]models.StrategySettings         // userID/mode -> settings
	positions map[string]models.Position                 // positionID -> position
	trades    []models.TradeRecord
	nextID    uint
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		keypairs:  make(map[string]models.KeypairRecord),
		settings:  make(map[string]models.StrategySettings),
		positions: make(map[string]models.Position),
	}
}

func settingsKey(userID string, mode models.Mode) string {
	return userID + "/" + string(mode)
}

func (s *Store) assignID(base *models.BaseModel) {
	s.nextID++
	base.ID = s.nextID
	now := time.Now().UTC()
	base.CreatedAt = now
	base.UpdatedAt = now
}

func (s *Store) RunMigrations() error { return nil }

func (s *Store) SaveKeypair(_ context.Context, rec *models.KeypairRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.keypairs[rec.UserID]; ok {
		rec.BaseModel = existing.BaseModel
		rec.UpdatedAt = time.Now().UTC()
	} else {
		s.assignID(&rec.BaseModel)
	}
	s.keypairs[rec.UserID] = *rec
	return nil
}

func (s *Store) GetKeypair(_ context.Context, userID string) (*models.KeypairRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.keypairs[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := rec
	return &out, nil
}

func (s *Store) SaveSettings(_ context.Context, set *models.StrategySettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := settingsKey(set.UserID, set.Mode)
	if existing, ok := s.settings[key]; ok {
		set.BaseModel = existing.BaseModel
		set.UpdatedAt = time.Now().UTC()
	} else {
		s.assignID(&set.BaseModel)
	}
	s.settings[key] = *set
	return nil
}

func (s *Store) GetSettings(_ context.Context, userID string, mode models.Mode) (*models.StrategySettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.settings[settingsKey(userID, mode)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := set
	return &out, nil
}

func (s *Store) CreatePosition(_ context.Context, p *models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignID(&p.BaseModel)
	s.positions[p.PositionID] = *p
	return nil
}

func (s *Store) GetPosition(_ context.Context, positionID string) (*models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[positionID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := p
	return &out, nil
}

func (s *Store) UpdatePosition(_ context.Context, p *models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.positions[p.PositionID]
	if !ok {
		return storage.ErrNotFound
	}
	if existing.Version != p.Version {
		return storage.ErrVersionConflict
	}
	p.Version++
	p.UpdatedAt = time.Now().UTC()
	s.positions[p.PositionID] = *p
	return nil
}

func (s *Store) ListOpenPositions(_ context.Context, userID string) ([]*models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Position
	for _, p := range s.positions {
		if p.UserID == userID && p.Status != models.PositionStatusClosed {
			cp := p
			out = append(out, &cp)
		}
	}
	sortByCreated(out)
	return out, nil
}

func (s *Store) ListAllOpenPositions(_ context.Context) ([]*models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Position
	for _, p := range s.positions {
		if p.Status != models.PositionStatusClosed {
			cp := p
			out = append(out, &cp)
		}
	}
	sortByCreated(out)
	return out, nil
}

func (s *Store) CountOpenPositions(_ context.Context, userID string, mode models.Mode) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, p := range s.positions {
		if p.UserID == userID && p.Mode == mode && p.Status != models.PositionStatusClosed {
			count++
		}
	}
	return count, nil
}

func (s *Store) AppendTrade(_ context.Context, t *models.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignID(&t.BaseModel)
	s.trades = append(s.trades, *t)
	return nil
}

func (s *Store) ListTrades(_ context.Context, positionID string) ([]*models.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.TradeRecord
	for i := range s.trades {
		if s.trades[i].PositionID == positionID {
			cp := s.trades[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) ListUserTrades(_ context.Context, userID string) ([]*models.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.TradeRecord
	for i := range s.trades {
		if s.trades[i].UserID == userID {
			cp := s.trades[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func sortByCreated(positions []*models.Position) {
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].CreatedAt.Equal(positions[j].CreatedAt) {
			return positions[i].ID < positions[j].ID
		}
		return positions[i].CreatedAt.Before(positions[j].CreatedAt)
	})
}

var _ storage.Storage = (*Store)(nil)
