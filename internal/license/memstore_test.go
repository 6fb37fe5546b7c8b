package license

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	internalerrors "github.com/rcourtman/appgrant/internal/errors"
)

// memStore is an in-memory Store honouring the version contract.
type memStore struct {
	mu      sync.Mutex
	records map[string]*Record

	// conflicts makes the next n Update calls fail with a version conflict.
	conflicts int
	updates   int
	failGet   error
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*Record)}
}

func (s *memStore) Create(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return internalerrors.Conflict("create", rec.ID)
	}
	if err := rec.CheckInvariants(); err != nil {
		return err
	}
	rec.Version = 1
	s.records[rec.ID] = rec.Clone()
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGet != nil {
		return nil, internalerrors.WrapStorageError("get", id, s.failGet)
	}
	rec, ok := s.records[id]
	if !ok {
		return nil, internalerrors.NotFound("get", id)
	}
	return rec.Clone(), nil
}

func (s *memStore) Update(_ context.Context, rec *Record, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	if s.conflicts > 0 {
		s.conflicts--
		return internalerrors.Conflict("update", rec.ID)
	}
	current, ok := s.records[rec.ID]
	if !ok {
		return internalerrors.NotFound("update", rec.ID)
	}
	if current.Version != expectedVersion {
		return internalerrors.Conflict("update", rec.ID)
	}
	if err := rec.CheckInvariants(); err != nil {
		return err
	}
	rec.Version = expectedVersion + 1
	s.records[rec.ID] = rec.Clone()
	return nil
}

func (s *memStore) ListByProduct(_ context.Context, productID string) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Record
	for _, rec := range s.records {
		if rec.ProductID == productID {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Expiry.After(out[j].Expiry) })
	return out, nil
}

func (s *memStore) ListForSweep(_ context.Context) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Record
	for _, rec := range s.records {
		if rec.Status.Live() || (rec.Status == StatusRevoked && !rec.RevokeConfirmed) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) CountByStatus(_ context.Context) (map[Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Status]int)
	for _, rec := range s.records {
		out[rec.Status]++
	}
	return out, nil
}

// put stores rec as-is, bypassing the machine.
func (s *memStore) put(rec *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Version == 0 {
		rec.Version = 1
	}
	s.records[rec.ID] = rec.Clone()
}

type recordingRevoker struct {
	mu    sync.Mutex
	calls []RevokeRequest
	err   error
}

func (r *recordingRevoker) Revoke(ctx context.Context, req RevokeRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("revoke called without a deadline")
	}
	r.calls = append(r.calls, req)
	return r.err
}

func (r *recordingRevoker) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (n *recordingNotifier) GraceWarning(_ context.Context, rec *Record) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, rec.ID)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{t: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
