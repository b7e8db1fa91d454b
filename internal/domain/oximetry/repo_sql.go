package oximetry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/iotrest/iotrest/internal/platform/odata"
)

// sqliteSchema mirrors migrations/001 for the embedded store. Timestamps are
// unix microseconds.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS pulse_oximetry_measurement (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	heart_rate REAL NOT NULL DEFAULT 0,
	heart_rate_unit TEXT NOT NULL DEFAULT '',
	blood_oxygen_saturation REAL NOT NULL DEFAULT 0,
	blood_oxygen_saturation_unit TEXT NOT NULL DEFAULT '',
	time_stamp INTEGER NOT NULL,
	patient_identification TEXT NOT NULL DEFAULT '',
	version_id INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pulse_oximetry_measurement_time_stamp
	ON pulse_oximetry_measurement (time_stamp, id);
CREATE INDEX IF NOT EXISTS idx_pulse_oximetry_measurement_patient
	ON pulse_oximetry_measurement (patient_identification, time_stamp);
`

// EnsureSQLiteSchema creates the measurement table in an SQLite database.
func EnsureSQLiteSchema(ctx context.Context, dbx *sqlx.DB) error {
	if _, err := dbx.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("create sqlite schema: %w", err)
	}
	return nil
}

// measurementRow is the SQLite row shape; time columns hold unix microseconds.
type measurementRow struct {
	ID                        int64   `db:"id"`
	HeartRate                 float64 `db:"heart_rate"`
	HeartRateUnit             string  `db:"heart_rate_unit"`
	BloodOxygenSaturation     float64 `db:"blood_oxygen_saturation"`
	BloodOxygenSaturationUnit string  `db:"blood_oxygen_saturation_unit"`
	TimeStamp                 int64   `db:"time_stamp"`
	PatientIdentification     string  `db:"patient_identification"`
	VersionID                 int     `db:"version_id"`
	CreatedAt                 int64   `db:"created_at"`
	UpdatedAt                 int64   `db:"updated_at"`
}

func (r measurementRow) toMeasurement() *Measurement {
	return &Measurement{
		ID:                        r.ID,
		HeartRate:                 r.HeartRate,
		HeartRateUnit:             r.HeartRateUnit,
		BloodOxygenSaturation:     r.BloodOxygenSaturation,
		BloodOxygenSaturationUnit: r.BloodOxygenSaturationUnit,
		TimeStamp:                 time.UnixMicro(r.TimeStamp).UTC(),
		PatientIdentification:     r.PatientIdentification,
		VersionID:                 r.VersionID,
		CreatedAt:                 time.UnixMicro(r.CreatedAt).UTC(),
		UpdatedAt:                 time.UnixMicro(r.UpdatedAt).UTC(),
	}
}

type measurementRepoSQL struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewMeasurementRepoSQL returns a MeasurementStore over an SQLite database
// opened with sqlx.
func NewMeasurementRepoSQL(dbx *sqlx.DB) MeasurementStore {
	return &measurementRepoSQL{db: dbx, now: time.Now}
}

func (r *measurementRepoSQL) Create(ctx context.Context, m *Measurement) error {
	conn, err := r.db.Connx(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	m.Normalize()
	now := r.now().UTC().Truncate(time.Microsecond)
	res, err := conn.ExecContext(ctx, `
		INSERT INTO pulse_oximetry_measurement (heart_rate, heart_rate_unit,
			blood_oxygen_saturation, blood_oxygen_saturation_unit, time_stamp,
			patient_identification, version_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		m.HeartRate, m.HeartRateUnit, m.BloodOxygenSaturation,
		m.BloodOxygenSaturationUnit, m.TimeStamp.UnixMicro(), m.PatientIdentification,
		now.UnixMicro(), now.UnixMicro())
	if err != nil {
		return fmt.Errorf("insert measurement: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert measurement: %w", err)
	}
	m.ID = id
	m.VersionID = 1
	m.CreatedAt = now
	m.UpdatedAt = now
	return nil
}

func (r *measurementRepoSQL) GetByID(ctx context.Context, id int64) (*Measurement, error) {
	conn, err := r.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	var row measurementRow
	err = conn.GetContext(ctx, &row, `SELECT `+measurementCols+` FROM pulse_oximetry_measurement WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get measurement %d: %w", id, err)
	}
	return row.toMeasurement(), nil
}

func (r *measurementRepoSQL) Exists(ctx context.Context, id int64) (bool, error) {
	conn, err := r.db.Connx(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	var n int
	if err := conn.GetContext(ctx, &n, `SELECT COUNT(*) FROM pulse_oximetry_measurement WHERE id = ?`, id); err != nil {
		return false, fmt.Errorf("check measurement %d: %w", id, err)
	}
	return n > 0, nil
}

func (r *measurementRepoSQL) Update(ctx context.Context, m *Measurement, expectedVersion int) (SaveOutcome, error) {
	conn, err := r.db.Connx(ctx)
	if err != nil {
		return SaveConflict, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	m.Normalize()
	now := r.now().UTC().Truncate(time.Microsecond)
	res, err := conn.ExecContext(ctx, `
		UPDATE pulse_oximetry_measurement SET heart_rate = ?, heart_rate_unit = ?,
			blood_oxygen_saturation = ?, blood_oxygen_saturation_unit = ?,
			time_stamp = ?, patient_identification = ?,
			version_id = version_id + 1, updated_at = ?
		WHERE id = ? AND version_id = ?`,
		m.HeartRate, m.HeartRateUnit, m.BloodOxygenSaturation,
		m.BloodOxygenSaturationUnit, m.TimeStamp.UnixMicro(), m.PatientIdentification,
		now.UnixMicro(), m.ID, expectedVersion)
	if err != nil {
		return SaveConflict, fmt.Errorf("update measurement %d: %w", m.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return SaveConflict, fmt.Errorf("update measurement %d: %w", m.ID, err)
	}
	if n == 0 {
		return SaveConflict, nil
	}
	m.VersionID = expectedVersion + 1
	m.UpdatedAt = now
	return Saved, nil
}

func (r *measurementRepoSQL) Delete(ctx context.Context, id int64) (bool, error) {
	conn, err := r.db.Connx(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	res, err := conn.ExecContext(ctx, `DELETE FROM pulse_oximetry_measurement WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete measurement %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete measurement %d: %w", id, err)
	}
	return n > 0, nil
}

func (r *measurementRepoSQL) Find(ctx context.Context, opts odata.QueryOptions, limit *int) ([]*Measurement, error) {
	query, err := odata.Compile(opts, Schema, odata.SQLite, measurementCols, limit)
	if err != nil {
		return nil, err
	}
	q, args := query.DataSQL()
	return r.list(ctx, q, args)
}

func (r *measurementRepoSQL) Count(ctx context.Context, filter *odata.Expr) (int, error) {
	query, err := countQuery(odata.SQLite, filter)
	if err != nil {
		return 0, err
	}
	conn, err := r.db.Connx(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	q, args := query.CountSQL()
	var total int
	if err := conn.GetContext(ctx, &total, q, args...); err != nil {
		return 0, fmt.Errorf("count measurements: %w", err)
	}
	return total, nil
}

func (r *measurementRepoSQL) FindCandidates(ctx context.Context, m *Measurement) ([]*Measurement, error) {
	q, args := candidateQuery(odata.SQLite, m).DataSQL()
	return r.list(ctx, q, args)
}

func (r *measurementRepoSQL) ListByTime(ctx context.Context) ([]*Measurement, error) {
	q, args := timeOrderQuery(odata.SQLite).DataSQL()
	return r.list(ctx, q, args)
}

func (r *measurementRepoSQL) list(ctx context.Context, q string, args []interface{}) ([]*Measurement, error) {
	conn, err := r.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	var rows []measurementRow
	if err := conn.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("query measurements: %w", err)
	}
	items := make([]*Measurement, len(rows))
	for i, row := range rows {
		items[i] = row.toMeasurement()
	}
	return items, nil
}
