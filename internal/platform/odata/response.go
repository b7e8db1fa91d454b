package odata

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Header and annotation names used on the wire.
const (
	HeaderODataVersion = "OData-Version"
	ODataVersion       = "4.0"
	MIMEODataJSON      = "application/json;odata.metadata=minimal"

	annotationContext  = "@odata.context"
	annotationCount    = "@odata.count"
	annotationNextLink = "@odata.nextLink"
	annotationETag     = "@odata.etag"
)

// ErrorDetail is one entry of an OData error's details array.
type ErrorDetail struct {
	Code    string `json:"code,omitempty"`
	Target  string `json:"target,omitempty"`
	Message string `json:"message"`
}

// ErrorBody is the OData JSON error payload.
type ErrorBody struct {
	Code    string        `json:"code"`
	Message string        `json:"message"`
	Target  string        `json:"target,omitempty"`
	Details []ErrorDetail `json:"details,omitempty"`
}

// ErrorResponse wraps ErrorBody in the top-level "error" member.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewError builds an error response with a single message.
func NewError(code, message string) *ErrorResponse {
	return &ErrorResponse{Error: ErrorBody{Code: code, Message: message}}
}

// NotFoundError builds the error for a missing entity.
func NotFoundError(entitySet string, key interface{}) *ErrorResponse {
	return NewError("NotFound", "No "+entitySet+" entity exists with key "+jsonString(key)+".")
}

// WriteError writes an OData error with the given status.
func WriteError(c echo.Context, status int, body *ErrorResponse) error {
	c.Response().Header().Set(HeaderODataVersion, ODataVersion)
	return c.JSON(status, body)
}

// ContextURL builds the @odata.context value for an entity set or a single
// entity ("/$entity" suffix). Selected properties are listed in parentheses.
func ContextURL(serviceRoot, entitySet string, selected []string, entity bool) string {
	u := strings.TrimRight(serviceRoot, "/") + "/$metadata#" + entitySet
	if len(selected) > 0 {
		u += "(" + strings.Join(selected, ",") + ")"
	}
	if entity {
		u += "/$entity"
	}
	return u
}

// Collection is the JSON envelope for an entity-set response. When Order is
// set, each item's properties are written in that order.
type Collection struct {
	Context  string
	Count    *int
	NextLink string
	Value    []map[string]interface{}
	Order    []string
}

// MarshalJSON emits annotations before the value array.
func (c Collection) MarshalJSON() ([]byte, error) {
	out := orderedObject{}
	out.add(annotationContext, c.Context)
	if c.Count != nil {
		out.add(annotationCount, *c.Count)
	}
	value := make([]interface{}, len(c.Value))
	for i, item := range c.Value {
		if len(c.Order) == 0 {
			value[i] = item
			continue
		}
		value[i] = orderedProperties(item, c.Order)
	}
	out.add("value", value)
	if c.NextLink != "" {
		out.add(annotationNextLink, c.NextLink)
	}
	return out.MarshalJSON()
}

// Entity is the JSON envelope for a single-entity response.
type Entity struct {
	Context    string
	ETag       string
	Properties map[string]interface{}
	Order      []string
}

// MarshalJSON emits the context annotation followed by the properties in
// schema order.
func (e Entity) MarshalJSON() ([]byte, error) {
	out := orderedObject{}
	out.add(annotationContext, e.Context)
	if e.ETag != "" {
		out.add(annotationETag, e.ETag)
	}
	props := orderedProperties(e.Properties, e.Order)
	out.keys = append(out.keys, props.keys...)
	out.values = append(out.values, props.values...)
	return out.MarshalJSON()
}

// orderedProperties lists the properties present in props, in order.
func orderedProperties(props map[string]interface{}, order []string) orderedObject {
	var out orderedObject
	for _, name := range order {
		if v, ok := props[name]; ok {
			out.add(name, v)
		}
	}
	return out
}

// WriteCollection writes a collection response.
func WriteCollection(c echo.Context, body Collection) error {
	c.Response().Header().Set(HeaderODataVersion, ODataVersion)
	return c.JSON(http.StatusOK, body)
}

// WriteEntity writes a single entity with the given status.
func WriteEntity(c echo.Context, status int, body Entity) error {
	c.Response().Header().Set(HeaderODataVersion, ODataVersion)
	if body.ETag != "" {
		c.Response().Header().Set("ETag", body.ETag)
	}
	return c.JSON(status, body)
}

// ApplySelect keeps only the selected properties. An empty selection keeps
// everything.
func ApplySelect(entity map[string]interface{}, selected []string) map[string]interface{} {
	if len(selected) == 0 {
		return entity
	}
	allowed := make(map[string]bool, len(selected))
	for _, s := range selected {
		allowed[s] = true
	}
	result := make(map[string]interface{}, len(selected))
	for k, v := range entity {
		if allowed[k] {
			result[k] = v
		}
	}
	return result
}

// orderedObject is a JSON object that preserves insertion order.
type orderedObject struct {
	keys   []string
	values []interface{}
}

func (o *orderedObject) add(k string, v interface{}) {
	o.keys = append(o.keys, k)
	o.values = append(o.values, v)
}

func (o orderedObject) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		b.Write(kb)
		b.WriteByte(':')
		vb, err := json.Marshal(o.values[i])
		if err != nil {
			return nil, err
		}
		b.Write(vb)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

func jsonString(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
