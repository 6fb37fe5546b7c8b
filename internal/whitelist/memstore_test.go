package whitelist

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	internalerrors "github.com/rcourtman/appgrant/internal/errors"
)

type memStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
	pending map[string]*PendingOrder
	lookups []Type
	failErr error
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[string]*Entry), pending: make(map[string]*PendingOrder)}
}

func (s *memStore) CreateEntry(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.Normalize()
	if err := e.Validate(); err != nil {
		return err
	}
	s.entries[e.ID] = e.Clone()
	return nil
}

func (s *memStore) GetEntry(_ context.Context, id string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, internalerrors.NotFound("get_whitelist_entry", id)
	}
	return e.Clone(), nil
}

func (s *memStore) UpdateEntry(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[e.ID]; !ok {
		return internalerrors.NotFound("update_whitelist_entry", e.ID)
	}
	s.entries[e.ID] = e.Clone()
	return nil
}

func (s *memStore) DeleteEntry(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

func (s *memStore) ListEntries(_ context.Context) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Entry
	for _, e := range s.entries {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) Lookup(_ context.Context, typ Type, userID, siteID string) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups = append(s.lookups, typ)
	if s.failErr != nil {
		return nil, internalerrors.WrapStorageError("lookup_whitelist", "", s.failErr)
	}
	var out []*Entry
	for _, e := range s.entries {
		if e.Type != typ || e.UserID != userID {
			continue
		}
		if typ == TypeSiteUser && e.SiteID != siteID {
			continue
		}
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) FindByLinkedOrder(_ context.Context, orderID string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.LinkedOrderID == orderID {
			return e.Clone(), nil
		}
	}
	return nil, internalerrors.NotFound("find_whitelist_by_order", orderID)
}

func (s *memStore) ListExpiringBefore(_ context.Context, t time.Time) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Entry
	for _, e := range s.entries {
		if e.ExpiryDate != nil && !e.ExpiryDate.After(t) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) MarkPending(_ context.Context, p *PendingOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.pending[p.OrderID] = &cp
	return nil
}

func (s *memStore) GetPending(_ context.Context, orderID string) (*PendingOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[orderID]
	if !ok {
		return nil, internalerrors.NotFound("get_pending_whitelist_order", orderID)
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) ListPending(_ context.Context) ([]*PendingOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*PendingOrder
	for _, p := range s.pending {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) ResolvePending(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[orderID]; !ok {
		return internalerrors.NotFound("resolve_pending_whitelist_order", orderID)
	}
	delete(s.pending, orderID)
	return nil
}

func (s *memStore) add(e *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.ID] = e.Clone()
}

var errMailDown = errors.New("mail relay unavailable")

type recordingMailer struct {
	expiring []string
	expired  []string
	err      error
}

func (m *recordingMailer) WhitelistExpiring(_ context.Context, e *Entry) error {
	if m.err != nil {
		return m.err
	}
	m.expiring = append(m.expiring, e.ID)
	return nil
}

func (m *recordingMailer) WhitelistExpired(_ context.Context, e *Entry) error {
	if m.err != nil {
		return m.err
	}
	m.expired = append(m.expired, e.ID)
	return nil
}
