package oximetry

import (
	"bytes"
	"encoding/json"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/iotrest/iotrest/internal/platform/odata"
)

// Delta is a partially specified measurement decoded from a request body. It
// remembers which properties were present so it can be applied with replace
// (Put) or merge (Patch) semantics.
type Delta struct {
	entity  Measurement
	present map[string]bool
}

// NewDelta returns an empty delta.
func NewDelta() *Delta {
	return &Delta{present: make(map[string]bool)}
}

// DeltaFrom returns a delta with every property of m present.
func DeltaFrom(m *Measurement) *Delta {
	d := NewDelta()
	d.entity = *m
	for _, name := range PropertyNames() {
		d.present[name] = true
	}
	return d
}

// Has reports whether the named property was present in the body.
func (d *Delta) Has(name string) bool { return d.present[name] }

// Entity returns the sparse entity: present properties set, the rest zero.
func (d *Delta) Entity() *Measurement {
	m := d.entity
	return &m
}

// CheckKey rejects a body whose Id differs from the key in the URL.
func (d *Delta) CheckKey(id int64) error {
	if d.present["Id"] && d.entity.ID != id {
		return invalidField("Id", "%d does not match the key %d", d.entity.ID, id)
	}
	return nil
}

// Put replaces every property of target except the key. Properties absent
// from the delta are reset to their zero values.
func (d *Delta) Put(target *Measurement) {
	id := target.ID
	version := target.VersionID
	created := target.CreatedAt
	*target = d.entity
	target.ID = id
	target.VersionID = version
	target.CreatedAt = created
	target.Normalize()
}

// Patch overwrites only the properties present in the delta.
func (d *Delta) Patch(target *Measurement) {
	if d.present["HeartRate"] {
		target.HeartRate = d.entity.HeartRate
	}
	if d.present["HeartRateUnit"] {
		target.HeartRateUnit = d.entity.HeartRateUnit
	}
	if d.present["BloodOxygenSaturation"] {
		target.BloodOxygenSaturation = d.entity.BloodOxygenSaturation
	}
	if d.present["BloodOxygenSaturationUnit"] {
		target.BloodOxygenSaturationUnit = d.entity.BloodOxygenSaturationUnit
	}
	if d.present["TimeStamp"] {
		target.TimeStamp = d.entity.TimeStamp
	}
	if d.present["PatientIdentification"] {
		target.PatientIdentification = d.entity.PatientIdentification
	}
	target.Normalize()
}

// DecodeJSON decodes a JSON object body. Instance annotations ("@odata.type",
// v3 "odata.metadata") are ignored; any other unknown member is an error.
func DecodeJSON(body []byte) (*Delta, error) {
	var raw map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, invalidf("the request body is not a valid JSON object: %v", err)
	}
	if raw == nil {
		return nil, invalidf("the request body must be a JSON object")
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, invalidf("the request body has data after the JSON object")
	}

	d := NewDelta()
	for name, value := range raw {
		if strings.HasPrefix(name, "@") || strings.HasPrefix(name, "odata.") || strings.Contains(name, "@odata.") {
			continue
		}
		if err := d.setJSON(name, value); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *Delta) setJSON(name string, value json.RawMessage) error {
	if _, ok := Schema.Property(name); !ok {
		return invalidField(name, "is not a property of %s", Schema.QualifiedType())
	}
	isNull := bytes.Equal(bytes.TrimSpace(value), []byte("null"))

	switch name {
	case "Id":
		var n json.Number
		if err := json.Unmarshal(value, &n); err != nil || isNull {
			// Int64 may be sent as a string (IEEE754Compatible=true).
			var s string
			if err := json.Unmarshal(value, &s); err != nil {
				return invalidField(name, "must be an integer")
			}
			n = json.Number(s)
		}
		id, err := strconv.ParseInt(n.String(), 10, 64)
		if err != nil {
			return invalidField(name, "must be an integer")
		}
		d.entity.ID = id

	case "HeartRate", "BloodOxygenSaturation":
		if isNull {
			return invalidField(name, "must not be null")
		}
		v, err := decodeDouble(value)
		if err != nil {
			return invalidField(name, "must be a number")
		}
		if name == "HeartRate" {
			d.entity.HeartRate = v
		} else {
			d.entity.BloodOxygenSaturation = v
		}

	case "TimeStamp":
		var s string
		if isNull || json.Unmarshal(value, &s) != nil {
			return invalidField(name, "must be a date-time string")
		}
		ts, err := parseTimeStamp(s)
		if err != nil {
			return invalidField(name, "%v", err)
		}
		d.entity.TimeStamp = ts

	default:
		var s string
		if !isNull {
			if err := json.Unmarshal(value, &s); err != nil {
				return invalidField(name, "must be a string")
			}
		}
		d.setString(name, s)
	}

	d.present[name] = true
	return nil
}

// decodeDouble accepts a JSON number or, as OData allows for Edm.Double, one
// of the strings "NaN", "INF" and "-INF" or a numeric string.
func decodeDouble(value json.RawMessage) (float64, error) {
	var n json.Number
	if err := json.Unmarshal(value, &n); err == nil {
		return n.Float64()
	}
	var s string
	if err := json.Unmarshal(value, &s); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(s, 64)
}

// DecodeForm decodes an application/x-www-form-urlencoded body, as sent by the
// gateway client.
func DecodeForm(values url.Values) (*Delta, error) {
	d := NewDelta()
	for name := range values {
		if _, ok := Schema.Property(name); !ok {
			return nil, invalidField(name, "is not a property of %s", Schema.QualifiedType())
		}
		s := values.Get(name)
		switch name {
		case "Id":
			id, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, invalidField(name, "must be an integer")
			}
			d.entity.ID = id
		case "HeartRate", "BloodOxygenSaturation":
			v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return nil, invalidField(name, "must be a number")
			}
			if name == "HeartRate" {
				d.entity.HeartRate = v
			} else {
				d.entity.BloodOxygenSaturation = v
			}
		case "TimeStamp":
			ts, err := parseTimeStamp(s)
			if err != nil {
				return nil, invalidField(name, "%v", err)
			}
			d.entity.TimeStamp = ts
		default:
			d.setString(name, s)
		}
		d.present[name] = true
	}
	return d, nil
}

func (d *Delta) setString(name, s string) {
	switch name {
	case "HeartRateUnit":
		d.entity.HeartRateUnit = s
	case "BloodOxygenSaturationUnit":
		d.entity.BloodOxygenSaturationUnit = s
	case "PatientIdentification":
		d.entity.PatientIdentification = s
	}
}

func parseTimeStamp(s string) (time.Time, error) {
	ts, err := odata.ParseDateTime(s)
	if err != nil {
		return time.Time{}, err
	}
	return ts.Truncate(time.Microsecond), nil
}
