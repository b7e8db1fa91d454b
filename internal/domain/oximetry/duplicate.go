package oximetry

import "math"

// DuplicateTolerance is the largest difference in HeartRate and
// BloodOxygenSaturation (exclusive) for two measurements to count as the
// same reading.
const DuplicateTolerance = 0.1

// differences are rounded to this resolution so 98.1-98.0 compares as 0.1
const toleranceResolution = 1e6

// IsDuplicate reports whether b is a re-submission of a: both readings within
// DuplicateTolerance, and units, patient and TimeStamp exactly equal.
func IsDuplicate(a, b *Measurement) bool {
	return withinTolerance(a.HeartRate, b.HeartRate) &&
		withinTolerance(a.BloodOxygenSaturation, b.BloodOxygenSaturation) &&
		a.HeartRateUnit == b.HeartRateUnit &&
		a.BloodOxygenSaturationUnit == b.BloodOxygenSaturationUnit &&
		a.PatientIdentification == b.PatientIdentification &&
		a.TimeStamp.Equal(b.TimeStamp)
}

func withinTolerance(x, y float64) bool {
	d := math.Round(math.Abs(x-y)*toleranceResolution) / toleranceResolution
	return d < DuplicateTolerance
}
