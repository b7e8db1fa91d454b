package oximetry

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/iotrest/iotrest/internal/platform/odata"
)

// -- Mock Store --

type mockMeasurementStore struct {
	store  map[int64]*Measurement
	nextID int64

	// onUpdate runs before a versioned update is checked, to simulate a
	// concurrent writer.
	onUpdate func()
	err      error
}

func newMockMeasurementStore() *mockMeasurementStore {
	return &mockMeasurementStore{store: make(map[int64]*Measurement)}
}

func (s *mockMeasurementStore) Create(_ context.Context, m *Measurement) error {
	if s.err != nil {
		return s.err
	}
	s.nextID++
	m.ID = s.nextID
	m.VersionID = 1
	cp := *m
	s.store[m.ID] = &cp
	return nil
}

func (s *mockMeasurementStore) GetByID(_ context.Context, id int64) (*Measurement, error) {
	if s.err != nil {
		return nil, s.err
	}
	m, ok := s.store[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *mockMeasurementStore) Exists(_ context.Context, id int64) (bool, error) {
	_, ok := s.store[id]
	return ok, nil
}

func (s *mockMeasurementStore) Update(_ context.Context, m *Measurement, expectedVersion int) (SaveOutcome, error) {
	if s.err != nil {
		return Saved, s.err
	}
	if s.onUpdate != nil {
		s.onUpdate()
	}
	cur, ok := s.store[m.ID]
	if !ok || cur.VersionID != expectedVersion {
		return SaveConflict, nil
	}
	m.VersionID = expectedVersion + 1
	cp := *m
	s.store[m.ID] = &cp
	return Saved, nil
}

func (s *mockMeasurementStore) Delete(_ context.Context, id int64) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	if _, ok := s.store[id]; !ok {
		return false, nil
	}
	delete(s.store, id)
	return true, nil
}

func (s *mockMeasurementStore) all() []*Measurement {
	var r []*Measurement
	for _, m := range s.store {
		cp := *m
		r = append(r, &cp)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].ID < r[j].ID })
	return r
}

func (s *mockMeasurementStore) Find(_ context.Context, opts odata.QueryOptions, limit *int) ([]*Measurement, error) {
	if s.err != nil {
		return nil, s.err
	}
	r := s.all()
	if opts.Skip >= len(r) {
		return nil, nil
	}
	r = r[opts.Skip:]
	if limit == nil {
		limit = opts.Top
	}
	if limit != nil && *limit < len(r) {
		r = r[:*limit]
	}
	return r, nil
}

func (s *mockMeasurementStore) Count(_ context.Context, _ *odata.Expr) (int, error) {
	return len(s.store), nil
}

func (s *mockMeasurementStore) FindCandidates(_ context.Context, m *Measurement) ([]*Measurement, error) {
	if s.err != nil {
		return nil, s.err
	}
	var r []*Measurement
	for _, c := range s.all() {
		if c.PatientIdentification == m.PatientIdentification && c.TimeStamp.Equal(m.TimeStamp) {
			r = append(r, c)
		}
	}
	return r, nil
}

func (s *mockMeasurementStore) ListByTime(_ context.Context) ([]*Measurement, error) {
	if s.err != nil {
		return nil, s.err
	}
	r := s.all()
	sort.SliceStable(r, func(i, j int) bool { return r[i].TimeStamp.Before(r[j].TimeStamp) })
	return r, nil
}

type countingObserver struct {
	ops        map[string]int
	suppressed int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{ops: make(map[string]int)}
}

func (o *countingObserver) StoreOperation(op, result string) { o.ops[op+":"+result]++ }
func (o *countingObserver) DuplicateSuppressed()             { o.suppressed++ }

func newTestService() (*Service, *mockMeasurementStore) {
	store := newMockMeasurementStore()
	return NewService(store, zerolog.Nop()), store
}

var testTime = time.Date(2015, 6, 1, 10, 3, 0, 0, time.UTC)

func sampleMeasurement() *Measurement {
	return &Measurement{
		HeartRate:                 72,
		HeartRateUnit:             "bpm",
		BloodOxygenSaturation:     98,
		BloodOxygenSaturationUnit: "%",
		TimeStamp:                 testTime,
		PatientIdentification:     "P1",
	}
}

// deltaFor returns a full delta whose Id matches the key it is applied to.
func deltaFor(id int64) *Delta {
	m := sampleMeasurement()
	m.ID = id
	return DeltaFrom(m)
}

// -- Tests --

func TestService_Create(t *testing.T) {
	svc, store := newTestService()
	m, inserted, err := svc.Create(context.Background(), DeltaFrom(sampleMeasurement()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !inserted {
		t.Error("expected the measurement to be inserted")
	}
	if m.ID == 0 {
		t.Error("expected a generated Id")
	}
	if len(store.store) != 1 {
		t.Errorf("expected 1 stored row, got %d", len(store.store))
	}
}

func TestService_Create_IgnoresBodyID(t *testing.T) {
	svc, _ := newTestService()
	in := sampleMeasurement()
	in.ID = 99
	m, _, err := svc.Create(context.Background(), DeltaFrom(in))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.ID != 1 {
		t.Errorf("expected store-generated Id 1, got %d", m.ID)
	}
}

func TestService_Create_Invalid(t *testing.T) {
	svc, store := newTestService()
	in := sampleMeasurement()
	in.BloodOxygenSaturation = 120
	_, _, err := svc.Create(context.Background(), DeltaFrom(in))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(store.store) != 0 {
		t.Error("expected nothing stored")
	}
}

func TestService_Create_SuppressesDuplicate(t *testing.T) {
	svc, store := newTestService()
	obs := newCountingObserver()
	svc.SetObserver(obs)
	ctx := context.Background()

	if _, _, err := svc.Create(ctx, DeltaFrom(sampleMeasurement())); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	near := sampleMeasurement()
	near.HeartRate = 72.05
	m, inserted, err := svc.Create(ctx, DeltaFrom(near))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inserted {
		t.Error("expected duplicate to be suppressed")
	}
	if m.ID != 0 {
		t.Errorf("expected Id 0 for a suppressed duplicate, got %d", m.ID)
	}
	if len(store.store) != 1 {
		t.Errorf("expected 1 stored row, got %d", len(store.store))
	}
	if obs.suppressed != 1 {
		t.Errorf("expected 1 suppressed duplicate, got %d", obs.suppressed)
	}
	if obs.ops["create:ok"] != 1 {
		t.Errorf("expected 1 observed create, got %d", obs.ops["create:ok"])
	}
}

func TestService_Create_TenthStepIsNotDuplicate(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	first := sampleMeasurement()
	first.HeartRate = 98.0
	second := sampleMeasurement()
	second.HeartRate = 98.1

	svc.Create(ctx, DeltaFrom(first))
	_, inserted, err := svc.Create(ctx, DeltaFrom(second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !inserted {
		t.Error("expected 98.1 to be inserted after 98.0")
	}
	if len(store.store) != 2 {
		t.Errorf("expected 2 stored rows, got %d", len(store.store))
	}
}

func TestService_Create_StoreError(t *testing.T) {
	svc, store := newTestService()
	store.err = errors.New("connection refused")
	_, _, err := svc.Create(context.Background(), DeltaFrom(sampleMeasurement()))
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestService_Get_NotFound(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.Get(context.Background(), 42)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestService_Merge_KeepsAbsentFields(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	created, _, _ := svc.Create(ctx, DeltaFrom(sampleMeasurement()))

	d := NewDelta()
	d.entity.HeartRate = 80
	d.present["HeartRate"] = true
	m, err := svc.Merge(ctx, created.ID, d, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.HeartRate != 80 {
		t.Errorf("expected HeartRate 80, got %v", m.HeartRate)
	}
	if m.PatientIdentification != "P1" || m.BloodOxygenSaturation != 98 {
		t.Errorf("expected other fields kept, got %+v", m)
	}
	if m.VersionID != 2 {
		t.Errorf("expected version 2, got %d", m.VersionID)
	}
}

func TestService_Replace_ResetsAbsentFields(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	created, _, _ := svc.Create(ctx, DeltaFrom(sampleMeasurement()))

	d := NewDelta()
	d.entity.HeartRate = 80
	d.present["HeartRate"] = true
	m, err := svc.Replace(ctx, created.ID, d, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.ID != created.ID {
		t.Errorf("expected Id kept, got %d", m.ID)
	}
	if m.PatientIdentification != "" || m.BloodOxygenSaturation != 0 || !m.TimeStamp.IsZero() {
		t.Errorf("expected absent fields reset, got %+v", m)
	}
}

func TestService_Update_NotFound(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.Merge(context.Background(), 7, deltaFor(7), "")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestService_Update_InvalidLeavesRowUnchanged(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	created, _, _ := svc.Create(ctx, DeltaFrom(sampleMeasurement()))

	d := NewDelta()
	d.entity.HeartRate = -5
	d.present["HeartRate"] = true
	_, err := svc.Replace(ctx, created.ID, d, "")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if store.store[created.ID].HeartRate != 72 {
		t.Errorf("expected row unchanged, got HeartRate %v", store.store[created.ID].HeartRate)
	}
}

func TestService_Update_KeyMismatch(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	created, _, _ := svc.Create(ctx, DeltaFrom(sampleMeasurement()))

	in := sampleMeasurement()
	in.ID = created.ID + 1
	_, err := svc.Replace(ctx, created.ID, DeltaFrom(in), "")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("expected ValidationError, got %v", err)
	}
}

func TestService_Update_ConflictStillPresent(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	created, _, _ := svc.Create(ctx, DeltaFrom(sampleMeasurement()))
	store.onUpdate = func() { store.store[created.ID].VersionID++ }

	_, err := svc.Merge(ctx, created.ID, deltaFor(created.ID), "")
	if !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestService_Update_ConflictDeleted(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	created, _, _ := svc.Create(ctx, DeltaFrom(sampleMeasurement()))
	store.onUpdate = func() { delete(store.store, created.ID) }

	_, err := svc.Merge(ctx, created.ID, deltaFor(created.ID), "")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestService_Update_ConflictObserved(t *testing.T) {
	svc, store := newTestService()
	obs := newCountingObserver()
	svc.SetObserver(obs)
	ctx := context.Background()
	created, _, _ := svc.Create(ctx, DeltaFrom(sampleMeasurement()))
	store.onUpdate = func() { store.store[created.ID].VersionID++ }

	svc.Merge(ctx, created.ID, deltaFor(created.ID), "")
	if obs.ops["update:conflict"] != 1 {
		t.Errorf("expected 1 update conflict observed, got %v", obs.ops)
	}
}

func TestService_Update_StaleETag(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	created, _, _ := svc.Create(ctx, DeltaFrom(sampleMeasurement()))

	d := NewDelta()
	d.entity.HeartRate = 90
	d.present["HeartRate"] = true
	_, err := svc.Merge(ctx, created.ID, d, `W/"7"`)
	if !errors.Is(err, ErrPreconditionFailed) {
		t.Fatalf("expected ErrPreconditionFailed, got %v", err)
	}
	if store.store[created.ID].HeartRate != 72 {
		t.Error("expected no write on a stale entity tag")
	}

	if _, err := svc.Merge(ctx, created.ID, d, `W/"1"`); err != nil {
		t.Errorf("expected matching entity tag to succeed, got %v", err)
	}
}

func TestService_Delete(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	created, _, _ := svc.Create(ctx, DeltaFrom(sampleMeasurement()))

	if err := svc.Delete(ctx, created.ID, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.store) != 0 {
		t.Error("expected row removed")
	}
	if _, err := svc.Get(ctx, created.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestService_Delete_NotFound(t *testing.T) {
	svc, _ := newTestService()
	if err := svc.Delete(context.Background(), 3, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestService_Delete_StaleETag(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	created, _, _ := svc.Create(ctx, DeltaFrom(sampleMeasurement()))

	if err := svc.Delete(ctx, created.ID, `W/"2"`); !errors.Is(err, ErrPreconditionFailed) {
		t.Errorf("expected ErrPreconditionFailed, got %v", err)
	}
	if len(store.store) != 1 {
		t.Error("expected row kept")
	}
}

func TestService_Query_Count(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		m := sampleMeasurement()
		m.TimeStamp = testTime.Add(time.Duration(i) * time.Minute)
		svc.Create(ctx, DeltaFrom(m))
	}
	limit := 2
	res, err := svc.Query(ctx, odata.QueryOptions{Count: true}, &limit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Items) != 2 {
		t.Errorf("expected 2 items, got %d", len(res.Items))
	}
	if res.Count == nil || *res.Count != 3 {
		t.Errorf("expected count 3, got %v", res.Count)
	}
}

func TestMatchesETag(t *testing.T) {
	m := &Measurement{VersionID: 3}
	tests := []struct {
		header string
		want   bool
	}{
		{"", true},
		{"*", true},
		{`W/"3"`, true},
		{`"3"`, true},
		{`W/"1", W/"3"`, true},
		{`W/"2"`, false},
	}
	for _, tt := range tests {
		if got := MatchesETag(tt.header, m); got != tt.want {
			t.Errorf("MatchesETag(%q) = %v, want %v", tt.header, got, tt.want)
		}
	}
}

func TestRepository_GetAllMeasurements_OrderedByTime(t *testing.T) {
	store := newMockMeasurementStore()
	repo := NewRepository(store)
	ctx := context.Background()

	late := sampleMeasurement()
	late.TimeStamp = testTime.Add(time.Hour)
	early := sampleMeasurement()
	repo.SavePulseOximetryMeasurement(ctx, late)
	repo.SavePulseOximetryMeasurement(ctx, early)

	items, err := repo.GetAllMeasurements(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if !items[0].TimeStamp.Before(items[1].TimeStamp) {
		t.Error("expected items ordered by TimeStamp ascending")
	}
}

func TestRepository_GetAllMeasurements_Empty(t *testing.T) {
	repo := NewRepository(newMockMeasurementStore())
	items, err := repo.GetAllMeasurements(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if items == nil || len(items) != 0 {
		t.Errorf("expected empty non-nil slice, got %v", items)
	}
}

func TestRepository_Save_WrapsError(t *testing.T) {
	store := newMockMeasurementStore()
	store.err = errors.New("disk full")
	repo := NewRepository(store)
	err := repo.SavePulseOximetryMeasurement(context.Background(), sampleMeasurement())
	if err == nil || !errors.Is(err, store.err) {
		t.Errorf("expected wrapped store error, got %v", err)
	}
}
