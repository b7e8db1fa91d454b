package oximetry

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/iotrest/iotrest/internal/platform/odata"
)

// Service holds the business rules of the queryable entity set.
type Service struct {
	store  MeasurementStore
	obs    Observer
	logger zerolog.Logger
}

func NewService(store MeasurementStore, logger zerolog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// SetObserver attaches an Observer that is told about every store call and
// every suppressed duplicate.
func (s *Service) SetObserver(obs Observer) {
	s.obs = obs
	s.store = newObservedStore(s.store, obs)
}

// Store returns the (possibly observed) store backing the service.
func (s *Service) Store() MeasurementStore {
	return s.store
}

// QueryResult is one page of a collection query.
type QueryResult struct {
	Items []*Measurement
	// Count is the filtered total, set only when requested.
	Count *int
}

// Query runs a validated collection query. limit overrides opts.Top.
func (s *Service) Query(ctx context.Context, opts odata.QueryOptions, limit *int) (*QueryResult, error) {
	items, err := s.store.Find(ctx, opts, limit)
	if err != nil {
		return nil, fmt.Errorf("query measurements: %w", err)
	}
	result := &QueryResult{Items: items}
	if opts.Count {
		total, err := s.store.Count(ctx, opts.Filter)
		if err != nil {
			return nil, fmt.Errorf("count measurements: %w", err)
		}
		result.Count = &total
	}
	return result, nil
}

// Get returns the measurement with the given key or ErrNotFound.
func (s *Service) Get(ctx context.Context, id int64) (*Measurement, error) {
	return s.store.GetByID(ctx, id)
}

// Create validates the delta's entity and inserts it unless a duplicate of
// it is already stored. The second result reports whether a row was
// inserted; a suppressed duplicate is returned with Id 0.
func (s *Service) Create(ctx context.Context, d *Delta) (*Measurement, bool, error) {
	m := d.Entity()
	m.ID = 0
	m.Normalize()
	if err := m.Validate(); err != nil {
		return nil, false, err
	}

	dup, err := s.isStoredDuplicate(ctx, m)
	if err != nil {
		return nil, false, err
	}
	if dup {
		s.logger.Info().
			Str("patient", m.PatientIdentification).
			Time("time_stamp", m.TimeStamp).
			Float64("heart_rate", m.HeartRate).
			Float64("spo2", m.BloodOxygenSaturation).
			Msg("duplicate measurement suppressed")
		if s.obs != nil {
			s.obs.DuplicateSuppressed()
		}
		return m, false, nil
	}

	if err := s.store.Create(ctx, m); err != nil {
		return nil, false, err
	}
	return m, true, nil
}

func (s *Service) isStoredDuplicate(ctx context.Context, m *Measurement) (bool, error) {
	candidates, err := s.store.FindCandidates(ctx, m)
	if err != nil {
		return false, fmt.Errorf("find duplicate candidates: %w", err)
	}
	for _, c := range candidates {
		if IsDuplicate(c, m) {
			return true, nil
		}
	}
	return false, nil
}

// Replace applies d to the stored entity with replace semantics.
func (s *Service) Replace(ctx context.Context, id int64, d *Delta, ifMatch string) (*Measurement, error) {
	return s.update(ctx, id, d, ifMatch, d.Put)
}

// Merge applies d to the stored entity with merge semantics.
func (s *Service) Merge(ctx context.Context, id int64, d *Delta, ifMatch string) (*Measurement, error) {
	return s.update(ctx, id, d, ifMatch, d.Patch)
}

func (s *Service) update(ctx context.Context, id int64, d *Delta, ifMatch string, apply func(*Measurement)) (*Measurement, error) {
	if err := d.CheckKey(id); err != nil {
		return nil, err
	}
	if err := d.Entity().Validate(); err != nil {
		return nil, err
	}

	current, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !MatchesETag(ifMatch, current) {
		return nil, ErrPreconditionFailed
	}

	expected := current.VersionID
	apply(current)
	outcome, err := s.store.Update(ctx, current, expected)
	if err != nil {
		return nil, err
	}
	if outcome == SaveConflict {
		return nil, s.resolveConflict(ctx, id)
	}
	return current, nil
}

// resolveConflict re-checks existence after a lost versioned save.
func (s *Service) resolveConflict(ctx context.Context, id int64) error {
	exists, err := s.store.Exists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	s.logger.Warn().Int64("id", id).Msg("concurrent modification of measurement")
	return ErrConflict
}

// Delete removes the measurement with the given key.
func (s *Service) Delete(ctx context.Context, id int64, ifMatch string) error {
	if ifMatch != "" && strings.TrimSpace(ifMatch) != "*" {
		current, err := s.store.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if !MatchesETag(ifMatch, current) {
			return ErrPreconditionFailed
		}
	}
	deleted, err := s.store.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrNotFound
	}
	return nil
}

// MatchesETag reports whether an If-Match header value admits m. An empty
// header or "*" matches anything; otherwise any listed tag must name m's
// current version. Weak and strong forms compare equal.
func MatchesETag(header string, m *Measurement) bool {
	header = strings.TrimSpace(header)
	if header == "" || header == "*" {
		return true
	}
	want := fmt.Sprintf("%d", m.VersionID)
	for _, tag := range strings.Split(header, ",") {
		tag = strings.TrimSpace(tag)
		tag = strings.TrimPrefix(tag, "W/")
		tag = strings.Trim(tag, `"`)
		if tag == want {
			return true
		}
	}
	return false
}
