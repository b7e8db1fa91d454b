package oximetry

import (
	"context"
	"fmt"
)

// Repository is the plain data-access facade used by the REST endpoint.
// It performs no validation and no duplicate detection.
type Repository struct {
	store MeasurementStore
}

func NewRepository(store MeasurementStore) *Repository {
	return &Repository{store: store}
}

// GetAllMeasurements returns every measurement ordered by TimeStamp
// ascending, ties broken by Id.
func (r *Repository) GetAllMeasurements(ctx context.Context) ([]*Measurement, error) {
	items, err := r.store.ListByTime(ctx)
	if err != nil {
		return nil, fmt.Errorf("get all measurements: %w", err)
	}
	if items == nil {
		items = []*Measurement{}
	}
	return items, nil
}

// SavePulseOximetryMeasurement inserts m and writes the generated Id back
// into it.
func (r *Repository) SavePulseOximetryMeasurement(ctx context.Context, m *Measurement) error {
	if err := r.store.Create(ctx, m); err != nil {
		return fmt.Errorf("save measurement: %w", err)
	}
	return nil
}
