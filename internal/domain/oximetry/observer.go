package oximetry

import (
	"context"
	"errors"

	"github.com/iotrest/iotrest/internal/platform/odata"
)

// Store operation results reported to an Observer.
const (
	ResultOK       = "ok"
	ResultConflict = "conflict"
	ResultError    = "error"
)

// Observer receives store and duplicate-suppression events.
type Observer interface {
	StoreOperation(op, result string)
	DuplicateSuppressed()
}

// observedStore reports every call of the wrapped store to an Observer.
// ErrNotFound counts as a successful lookup.
type observedStore struct {
	next MeasurementStore
	obs  Observer
}

func newObservedStore(next MeasurementStore, obs Observer) MeasurementStore {
	return &observedStore{next: next, obs: obs}
}

func (s *observedStore) report(op string, err error) {
	switch {
	case err == nil, errors.Is(err, ErrNotFound):
		s.obs.StoreOperation(op, ResultOK)
	default:
		s.obs.StoreOperation(op, ResultError)
	}
}

func (s *observedStore) Create(ctx context.Context, m *Measurement) error {
	err := s.next.Create(ctx, m)
	s.report("create", err)
	return err
}

func (s *observedStore) GetByID(ctx context.Context, id int64) (*Measurement, error) {
	m, err := s.next.GetByID(ctx, id)
	s.report("get", err)
	return m, err
}

func (s *observedStore) Exists(ctx context.Context, id int64) (bool, error) {
	ok, err := s.next.Exists(ctx, id)
	s.report("exists", err)
	return ok, err
}

func (s *observedStore) Update(ctx context.Context, m *Measurement, expectedVersion int) (SaveOutcome, error) {
	outcome, err := s.next.Update(ctx, m, expectedVersion)
	if err == nil && outcome == SaveConflict {
		s.obs.StoreOperation("update", ResultConflict)
		return outcome, nil
	}
	s.report("update", err)
	return outcome, err
}

func (s *observedStore) Delete(ctx context.Context, id int64) (bool, error) {
	ok, err := s.next.Delete(ctx, id)
	s.report("delete", err)
	return ok, err
}

func (s *observedStore) Find(ctx context.Context, opts odata.QueryOptions, limit *int) ([]*Measurement, error) {
	items, err := s.next.Find(ctx, opts, limit)
	s.report("find", err)
	return items, err
}

func (s *observedStore) Count(ctx context.Context, filter *odata.Expr) (int, error) {
	n, err := s.next.Count(ctx, filter)
	s.report("count", err)
	return n, err
}

func (s *observedStore) FindCandidates(ctx context.Context, m *Measurement) ([]*Measurement, error) {
	items, err := s.next.FindCandidates(ctx, m)
	s.report("find_candidates", err)
	return items, err
}

func (s *observedStore) ListByTime(ctx context.Context) ([]*Measurement, error) {
	items, err := s.next.ListByTime(ctx)
	s.report("list", err)
	return items, err
}
