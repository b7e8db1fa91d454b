package oximetry

import (
	"context"

	"github.com/iotrest/iotrest/internal/platform/odata"
)

// SaveOutcome is the result of a versioned update.
type SaveOutcome int

const (
	// Saved means the row matched the expected version and was written.
	Saved SaveOutcome = iota
	// SaveConflict means no row matched id and expected version.
	SaveConflict
)

func (o SaveOutcome) String() string {
	if o == Saved {
		return "saved"
	}
	return "conflict"
}

// MeasurementStore persists measurements. Implementations acquire a scoped
// connection per call and release it before returning.
type MeasurementStore interface {
	// Create inserts m and writes the generated Id and version back into it.
	Create(ctx context.Context, m *Measurement) error
	// GetByID returns ErrNotFound when no row has the id.
	GetByID(ctx context.Context, id int64) (*Measurement, error)
	Exists(ctx context.Context, id int64) (bool, error)
	// Update writes m if the stored version equals expectedVersion. On
	// Saved, m.VersionID holds the new version.
	Update(ctx context.Context, m *Measurement, expectedVersion int) (SaveOutcome, error)
	// Delete reports whether a row was removed.
	Delete(ctx context.Context, id int64) (bool, error)
	// Find applies filter, order and paging. limit overrides opts.Top.
	Find(ctx context.Context, opts odata.QueryOptions, limit *int) ([]*Measurement, error)
	Count(ctx context.Context, filter *odata.Expr) (int, error)
	// FindCandidates returns rows that could be duplicates of m: same units,
	// patient and TimeStamp, readings within the tolerance band.
	FindCandidates(ctx context.Context, m *Measurement) ([]*Measurement, error)
	// ListByTime returns every row ordered by TimeStamp, then Id.
	ListByTime(ctx context.Context) ([]*Measurement, error)
}

const measurementCols = `id, heart_rate, heart_rate_unit, blood_oxygen_saturation,
	blood_oxygen_saturation_unit, time_stamp, patient_identification,
	version_id, created_at, updated_at`

func candidateQuery(dialect odata.Dialect, m *Measurement) *odata.Query {
	q := odata.NewQuery(Schema, dialect, measurementCols)
	q.Where("heart_rate_unit", "=", m.HeartRateUnit)
	q.Where("blood_oxygen_saturation_unit", "=", m.BloodOxygenSaturationUnit)
	q.Where("patient_identification", "=", m.PatientIdentification)
	q.Where("time_stamp", "=", m.TimeStamp)
	q.Where("heart_rate", ">", m.HeartRate-DuplicateTolerance*2)
	q.Where("heart_rate", "<", m.HeartRate+DuplicateTolerance*2)
	q.Where("blood_oxygen_saturation", ">", m.BloodOxygenSaturation-DuplicateTolerance*2)
	q.Where("blood_oxygen_saturation", "<", m.BloodOxygenSaturation+DuplicateTolerance*2)
	q.OrderBy(nil, "")
	return q
}

func timeOrderQuery(dialect odata.Dialect) *odata.Query {
	q := odata.NewQuery(Schema, dialect, measurementCols)
	q.OrderBy([]odata.OrderItem{{Property: "TimeStamp"}}, "")
	return q
}

func countQuery(dialect odata.Dialect, filter *odata.Expr) (*odata.Query, error) {
	q := odata.NewQuery(Schema, dialect, measurementCols)
	if err := q.Filter(filter); err != nil {
		return nil, err
	}
	return q, nil
}
