package oximetry

import (
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"github.com/iotrest/iotrest/internal/platform/odata"
)

// Field length limits enforced by Validate and the table definition.
const (
	MaxUnitLength    = 32
	MaxPatientLength = 128
)

// Measurement maps to the pulse_oximetry_measurement table. Property names
// follow the IEEE 11073 pulse-oximeter field shape.
type Measurement struct {
	ID                        int64     `db:"id" json:"Id"`
	HeartRate                 float64   `db:"heart_rate" json:"HeartRate"`
	HeartRateUnit             string    `db:"heart_rate_unit" json:"HeartRateUnit"`
	BloodOxygenSaturation     float64   `db:"blood_oxygen_saturation" json:"BloodOxygenSaturation"`
	BloodOxygenSaturationUnit string    `db:"blood_oxygen_saturation_unit" json:"BloodOxygenSaturationUnit"`
	TimeStamp                 time.Time `db:"time_stamp" json:"TimeStamp"`
	PatientIdentification     string    `db:"patient_identification" json:"PatientIdentification"`
	VersionID                 int       `db:"version_id" json:"-"`
	CreatedAt                 time.Time `db:"created_at" json:"-"`
	UpdatedAt                 time.Time `db:"updated_at" json:"-"`
}

// Schema is the entity-set description used for query compilation and
// $metadata.
var Schema = &odata.Schema{
	Namespace:  "IoTREST.Models",
	Container:  "DefaultContainer",
	EntitySet:  "PulseOximetryMeasurements",
	EntityType: "PulseOximetryMeasurement",
	Table:      "pulse_oximetry_measurement",
	Key:        "Id",
	Properties: []odata.Property{
		{Name: "Id", Column: "id", Type: odata.EdmInt64},
		{Name: "HeartRate", Column: "heart_rate", Type: odata.EdmDouble},
		{Name: "HeartRateUnit", Column: "heart_rate_unit", Type: odata.EdmString, Nullable: true, MaxLength: MaxUnitLength},
		{Name: "BloodOxygenSaturation", Column: "blood_oxygen_saturation", Type: odata.EdmDouble},
		{Name: "BloodOxygenSaturationUnit", Column: "blood_oxygen_saturation_unit", Type: odata.EdmString, Nullable: true, MaxLength: MaxUnitLength},
		{Name: "TimeStamp", Column: "time_stamp", Type: odata.EdmDateTimeOffset},
		{Name: "PatientIdentification", Column: "patient_identification", Type: odata.EdmString, Nullable: true, MaxLength: MaxPatientLength},
	},
}

// PropertyNames lists the entity properties in schema order.
func PropertyNames() []string {
	names := make([]string, len(Schema.Properties))
	for i, p := range Schema.Properties {
		names[i] = p.Name
	}
	return names
}

// Normalize converts TimeStamp to UTC at microsecond precision, the
// resolution both stores keep.
func (m *Measurement) Normalize() {
	m.TimeStamp = m.TimeStamp.UTC().Truncate(time.Microsecond)
}

// ETag returns the weak entity tag for the current version.
func (m *Measurement) ETag() string {
	return fmt.Sprintf(`W/"%d"`, m.VersionID)
}

// Validate checks the value constraints of a measurement. Zero values are
// valid.
func (m *Measurement) Validate() error {
	var details []FieldError
	check := func(field string, v float64) bool {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			details = append(details, FieldError{Field: field, Message: "must be a finite number"})
			return false
		}
		return true
	}

	if check("HeartRate", m.HeartRate) && m.HeartRate < 0 {
		details = append(details, FieldError{Field: "HeartRate", Message: "must not be negative"})
	}
	if check("BloodOxygenSaturation", m.BloodOxygenSaturation) && (m.BloodOxygenSaturation < 0 || m.BloodOxygenSaturation > 100) {
		details = append(details, FieldError{Field: "BloodOxygenSaturation", Message: "must be between 0 and 100"})
	}
	if utf8.RuneCountInString(m.HeartRateUnit) > MaxUnitLength {
		details = append(details, FieldError{Field: "HeartRateUnit", Message: fmt.Sprintf("must be at most %d characters", MaxUnitLength)})
	}
	if utf8.RuneCountInString(m.BloodOxygenSaturationUnit) > MaxUnitLength {
		details = append(details, FieldError{Field: "BloodOxygenSaturationUnit", Message: fmt.Sprintf("must be at most %d characters", MaxUnitLength)})
	}
	if utf8.RuneCountInString(m.PatientIdentification) > MaxPatientLength {
		details = append(details, FieldError{Field: "PatientIdentification", Message: fmt.Sprintf("must be at most %d characters", MaxPatientLength)})
	}

	if len(details) > 0 {
		return &ValidationError{Details: details}
	}
	return nil
}

// ToEntity returns the measurement as a property map keyed by entity
// property name.
func (m *Measurement) ToEntity() map[string]interface{} {
	return map[string]interface{}{
		"Id":                        m.ID,
		"HeartRate":                 m.HeartRate,
		"HeartRateUnit":             m.HeartRateUnit,
		"BloodOxygenSaturation":     m.BloodOxygenSaturation,
		"BloodOxygenSaturationUnit": m.BloodOxygenSaturationUnit,
		"TimeStamp":                 m.TimeStamp.UTC().Format(time.RFC3339Nano),
		"PatientIdentification":     m.PatientIdentification,
	}
}
