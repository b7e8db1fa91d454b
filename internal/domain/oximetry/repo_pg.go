package oximetry

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iotrest/iotrest/internal/platform/db"
	"github.com/iotrest/iotrest/internal/platform/odata"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type measurementRepoPG struct{ pool *pgxpool.Pool }

// NewMeasurementRepoPG returns a PostgreSQL-backed MeasurementStore.
func NewMeasurementRepoPG(pool *pgxpool.Pool) MeasurementStore {
	return &measurementRepoPG{pool: pool}
}

// conn returns the transaction or connection already scoped to ctx, or
// acquires one from the pool. release must be called on every path.
//
// Request handlers never scope ctx, so each call gets its own pooled
// connection. A caller that needs several store calls to commit or roll back
// together scopes ctx with db.WithConn and db.WithTx first, the same way the
// migrator applies a migration.
func (r *measurementRepoPG) conn(ctx context.Context) (queryable, func(), error) {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx, func() {}, nil
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c, func() {}, nil
	}
	c, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, func() {}, fmt.Errorf("acquire connection: %w", err)
	}
	return c, c.Release, nil
}

func (r *measurementRepoPG) scanMeasurement(row pgx.Row) (*Measurement, error) {
	var m Measurement
	err := row.Scan(&m.ID, &m.HeartRate, &m.HeartRateUnit, &m.BloodOxygenSaturation,
		&m.BloodOxygenSaturationUnit, &m.TimeStamp, &m.PatientIdentification,
		&m.VersionID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.TimeStamp = m.TimeStamp.UTC()
	return &m, nil
}

func (r *measurementRepoPG) Create(ctx context.Context, m *Measurement) error {
	q, release, err := r.conn(ctx)
	if err != nil {
		return err
	}
	defer release()

	m.Normalize()
	err = q.QueryRow(ctx, `
		INSERT INTO pulse_oximetry_measurement (heart_rate, heart_rate_unit,
			blood_oxygen_saturation, blood_oxygen_saturation_unit, time_stamp,
			patient_identification)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id, version_id, created_at, updated_at`,
		m.HeartRate, m.HeartRateUnit, m.BloodOxygenSaturation,
		m.BloodOxygenSaturationUnit, m.TimeStamp, m.PatientIdentification,
	).Scan(&m.ID, &m.VersionID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert measurement: %w", err)
	}
	return nil
}

func (r *measurementRepoPG) GetByID(ctx context.Context, id int64) (*Measurement, error) {
	q, release, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	m, err := r.scanMeasurement(q.QueryRow(ctx, `SELECT `+measurementCols+` FROM pulse_oximetry_measurement WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get measurement %d: %w", id, err)
	}
	return m, nil
}

func (r *measurementRepoPG) Exists(ctx context.Context, id int64) (bool, error) {
	q, release, err := r.conn(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pulse_oximetry_measurement WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check measurement %d: %w", id, err)
	}
	return exists, nil
}

func (r *measurementRepoPG) Update(ctx context.Context, m *Measurement, expectedVersion int) (SaveOutcome, error) {
	q, release, err := r.conn(ctx)
	if err != nil {
		return SaveConflict, err
	}
	defer release()

	m.Normalize()
	err = q.QueryRow(ctx, `
		UPDATE pulse_oximetry_measurement SET heart_rate=$2, heart_rate_unit=$3,
			blood_oxygen_saturation=$4, blood_oxygen_saturation_unit=$5,
			time_stamp=$6, patient_identification=$7,
			version_id = version_id + 1, updated_at = NOW()
		WHERE id = $1 AND version_id = $8
		RETURNING version_id, updated_at`,
		m.ID, m.HeartRate, m.HeartRateUnit, m.BloodOxygenSaturation,
		m.BloodOxygenSaturationUnit, m.TimeStamp, m.PatientIdentification,
		expectedVersion,
	).Scan(&m.VersionID, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return SaveConflict, nil
	}
	if err != nil {
		return SaveConflict, fmt.Errorf("update measurement %d: %w", m.ID, err)
	}
	return Saved, nil
}

func (r *measurementRepoPG) Delete(ctx context.Context, id int64) (bool, error) {
	q, release, err := r.conn(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	tag, err := q.Exec(ctx, `DELETE FROM pulse_oximetry_measurement WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete measurement %d: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *measurementRepoPG) Find(ctx context.Context, opts odata.QueryOptions, limit *int) ([]*Measurement, error) {
	query, err := odata.Compile(opts, Schema, odata.Postgres, measurementCols, limit)
	if err != nil {
		return nil, err
	}
	sql, args := query.DataSQL()
	return r.list(ctx, sql, args)
}

func (r *measurementRepoPG) Count(ctx context.Context, filter *odata.Expr) (int, error) {
	query, err := countQuery(odata.Postgres, filter)
	if err != nil {
		return 0, err
	}
	q, release, err := r.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	sql, args := query.CountSQL()
	var total int
	if err := q.QueryRow(ctx, sql, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("count measurements: %w", err)
	}
	return total, nil
}

func (r *measurementRepoPG) FindCandidates(ctx context.Context, m *Measurement) ([]*Measurement, error) {
	sql, args := candidateQuery(odata.Postgres, m).DataSQL()
	return r.list(ctx, sql, args)
}

func (r *measurementRepoPG) ListByTime(ctx context.Context) ([]*Measurement, error) {
	sql, args := timeOrderQuery(odata.Postgres).DataSQL()
	return r.list(ctx, sql, args)
}

func (r *measurementRepoPG) list(ctx context.Context, sql string, args []interface{}) ([]*Measurement, error) {
	q, release, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query measurements: %w", err)
	}
	defer rows.Close()
	var items []*Measurement
	for rows.Next() {
		m, err := r.scanMeasurement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan measurement: %w", err)
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate measurements: %w", err)
	}
	return items, nil
}
