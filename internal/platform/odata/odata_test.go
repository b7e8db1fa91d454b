package odata

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSchema = &Schema{
	Namespace:  "IoTREST.Models",
	Container:  "DefaultContainer",
	EntitySet:  "PulseOximetryMeasurements",
	EntityType: "PulseOximetryMeasurement",
	Table:      "pulse_oximetry_measurement",
	Key:        "Id",
	Properties: []Property{
		{Name: "Id", Column: "id", Type: EdmInt64},
		{Name: "HeartRate", Column: "heart_rate", Type: EdmDouble},
		{Name: "HeartRateUnit", Column: "heart_rate_unit", Type: EdmString, Nullable: true, MaxLength: 32},
		{Name: "TimeStamp", Column: "time_stamp", Type: EdmDateTimeOffset},
		{Name: "PatientIdentification", Column: "patient_identification", Type: EdmString, Nullable: true, MaxLength: 128},
	},
}

func mustParse(t *testing.T, filter string) *Expr {
	t.Helper()
	expr, err := ParseFilter(filter)
	require.NoError(t, err, filter)
	return expr
}

func TestParseFilter_Precedence(t *testing.T) {
	expr := mustParse(t, "HeartRate gt 60 or HeartRate lt 40 and PatientIdentification eq 'p1'")
	require.Equal(t, ExprOr, expr.Kind)
	assert.Equal(t, ExprCompare, expr.Left.Kind)
	assert.Equal(t, ExprAnd, expr.Right.Kind)
}

func TestParseFilter_Literals(t *testing.T) {
	tests := []struct {
		filter string
		want   LiteralType
	}{
		{"HeartRate eq 72", LiteralInt},
		{"HeartRate eq 72.5", LiteralDecimal},
		{"HeartRate eq -3", LiteralInt},
		{"HeartRateUnit eq 'bpm'", LiteralString},
		{"HeartRateUnit eq null", LiteralNull},
		{"TimeStamp eq 2015-03-01T10:15:00Z", LiteralDateTime},
		{"TimeStamp ge 2015-03-01", LiteralDateTime},
		{"HeartRateUnit eq true", LiteralBool},
	}
	for _, tt := range tests {
		t.Run(tt.filter, func(t *testing.T) {
			expr := mustParse(t, tt.filter)
			require.Equal(t, ExprCompare, expr.Kind)
			assert.Equal(t, tt.want, expr.Right.Literal.Type)
		})
	}
}

func TestParseFilter_EscapedQuote(t *testing.T) {
	expr := mustParse(t, "PatientIdentification eq 'O''Brien'")
	assert.Equal(t, "O'Brien", expr.Right.Literal.Str)
}

func TestParseFilter_Errors(t *testing.T) {
	for _, f := range []string{
		"HeartRate eq",
		"(HeartRate eq 1",
		"HeartRateUnit eq 'open",
		"year(TimeStamp eq 2015",
		"",
	} {
		_, err := ParseFilter(f)
		assert.Error(t, err, f)
	}
}

func TestParseFilter_NotAndGrouping(t *testing.T) {
	expr := mustParse(t, "not (HeartRate gt 60 or HeartRate lt 40)")
	require.Equal(t, ExprNot, expr.Kind)
	assert.Equal(t, ExprOr, expr.Child.Kind)

	expr = mustParse(t, "startswith(PatientIdentification,'P') and year(TimeStamp) eq 2015")
	require.Equal(t, ExprAnd, expr.Kind)
	require.Equal(t, ExprCall, expr.Left.Kind)
	assert.Equal(t, "startswith", expr.Left.Func)
	assert.Len(t, expr.Left.Args, 2)
	require.Equal(t, ExprCompare, expr.Right.Kind)
	assert.Equal(t, "year", expr.Right.Left.Func)
}

func TestCompileFilter_Postgres(t *testing.T) {
	expr := mustParse(t, "HeartRate eq 72 and HeartRateUnit eq 'bpm'")
	sql, args, err := CompileFilter(expr, testSchema, Postgres, 0)
	require.NoError(t, err)
	assert.Equal(t, "(heart_rate = $1 AND heart_rate_unit = $2)", sql)
	require.Len(t, args, 2)
	assert.Equal(t, float64(72), args[0], "integer literal is widened to the column type")
	assert.Equal(t, "bpm", args[1])
}

func TestCompileFilter_ArgOffset(t *testing.T) {
	expr := mustParse(t, "Id gt 3")
	sql, args, err := CompileFilter(expr, testSchema, Postgres, 2)
	require.NoError(t, err)
	assert.Equal(t, "id > $3", sql)
	assert.Equal(t, []interface{}{int64(3)}, args)
}

func TestCompileFilter_SQLiteDateParts(t *testing.T) {
	expr := mustParse(t, "year(TimeStamp) eq 2015 and minute(TimeStamp) eq 15")
	sql, args, err := CompileFilter(expr, testSchema, SQLite, 0)
	require.NoError(t, err)
	assert.Contains(t, sql, "strftime('%Y', time_stamp / 1000000, 'unixepoch')")
	assert.Contains(t, sql, "strftime('%M', time_stamp / 1000000, 'unixepoch')")
	assert.Equal(t, 2, strings.Count(sql, "?"))
	assert.Len(t, args, 2)
}

func TestCompileFilter_SQLiteTimeBindsMicros(t *testing.T) {
	expr := mustParse(t, "TimeStamp ge 2015-03-01T10:15:00Z")
	_, args, err := CompileFilter(expr, testSchema, SQLite, 0)
	require.NoError(t, err)
	want := time.Date(2015, 3, 1, 10, 15, 0, 0, time.UTC).UnixMicro()
	assert.Equal(t, []interface{}{want}, args)
}

func TestCompileFilter_Null(t *testing.T) {
	sql, args, err := CompileFilter(mustParse(t, "HeartRateUnit ne null"), testSchema, Postgres, 0)
	require.NoError(t, err)
	assert.Equal(t, "heart_rate_unit IS NOT NULL", sql)
	assert.Empty(t, args)
}

func TestCompileFilter_StringFunctions(t *testing.T) {
	sql, _, err := CompileFilter(mustParse(t, "contains(PatientIdentification,'ab')"), testSchema, Postgres, 0)
	require.NoError(t, err)
	assert.Equal(t, "strpos(patient_identification, $1) > 0", sql)

	sql, _, err = CompileFilter(mustParse(t, "startswith(tolower(HeartRateUnit),'')"), testSchema, Postgres, 0)
	require.NoError(t, err)
	assert.Equal(t, "1=1", sql)
}

func TestCompileFilter_TypeErrors(t *testing.T) {
	for _, f := range []string{
		"HeartRate eq 'fast'",
		"Unknown eq 1",
		"year(HeartRate) eq 1",
		"HeartRate",
		"HeartRateUnit gt null",
		"HeartRate add 1 eq 2",
	} {
		expr, err := ParseFilter(f)
		if err == nil {
			err = ValidateFilter(expr, testSchema)
		}
		assert.Error(t, err, f)
	}
}

func TestCompileFilter_Nil(t *testing.T) {
	sql, args, err := CompileFilter(nil, testSchema, SQLite, 0)
	require.NoError(t, err)
	assert.Equal(t, "1=1", sql)
	assert.Empty(t, args)
}

func TestParseQueryOptions(t *testing.T) {
	v := url.Values{}
	v.Set("$filter", "HeartRate gt 60")
	v.Set("$orderby", "TimeStamp desc, HeartRate")
	v.Set("$top", "10")
	v.Set("$skip", "20")
	v.Set("$select", "Id,HeartRate")
	v.Set("$count", "true")

	opts, err := ParseQueryOptions(v, testSchema, 100)
	require.NoError(t, err)
	assert.NotNil(t, opts.Filter)
	assert.Equal(t, []OrderItem{{Property: "TimeStamp", Descending: true}, {Property: "HeartRate"}}, opts.OrderBy)
	require.NotNil(t, opts.Top)
	assert.Equal(t, 10, *opts.Top)
	assert.Equal(t, 20, opts.Skip)
	assert.Equal(t, []string{"Id", "HeartRate"}, opts.Select)
	assert.True(t, opts.Count)
}

func TestParseQueryOptions_CountFalse(t *testing.T) {
	opts, err := ParseQueryOptions(url.Values{"$count": {"false"}, "$select": {"*"}}, testSchema, 0)
	require.NoError(t, err)
	assert.False(t, opts.Count)
	assert.Empty(t, opts.Select)
}

func TestParseQueryOptions_InlineCount(t *testing.T) {
	opts, err := ParseQueryOptions(url.Values{"$inlinecount": {"allpages"}}, testSchema, 0)
	require.NoError(t, err)
	assert.True(t, opts.Count)
}

func TestParseQueryOptions_Errors(t *testing.T) {
	tests := map[string]url.Values{
		"unknown option":   {"$search": {"x"}},
		"negative top":     {"$top": {"-1"}},
		"top over max":     {"$top": {"101"}},
		"bad skip":         {"$skip": {"abc"}},
		"bad select":       {"$select": {"Nope"}},
		"bad orderby":      {"$orderby": {"Nope desc"}},
		"orderby function": {"$orderby": {"year(TimeStamp)"}},
		"bad skip token":   {"$skiptoken": {"-4"}},
		"bad filter":       {"$filter": {"HeartRate eq"}},
		"expand":           {"$expand": {"Patient"}},
		"xml format":       {"$format": {"xml"}},
		"bad count":        {"$count": {"maybe"}},
		"bad inline count": {"$inlinecount": {"some"}},
	}
	for name, v := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseQueryOptions(v, testSchema, 100)
			var qe *QueryError
			assert.ErrorAs(t, err, &qe)
		})
	}
}

func TestParseQueryOptions_IgnoresCustomOptions(t *testing.T) {
	_, err := ParseQueryOptions(url.Values{"api-version": {"1"}}, testSchema, 0)
	assert.NoError(t, err)
}

func TestParseKey(t *testing.T) {
	for in, want := range map[string]int64{"(5)": 5, "5": 5, "(Id=7)": 7, "(9L)": 9} {
		got, err := ParseKey(in, testSchema)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"(abc)", "(Other=1)", ""} {
		_, err := ParseKey(in, testSchema)
		assert.Error(t, err, in)
	}
}

func TestOrderClause(t *testing.T) {
	assert.Equal(t, "id ASC", OrderClause(nil, testSchema, ""))
	assert.Equal(t, "time_stamp DESC, id ASC",
		OrderClause([]OrderItem{{Property: "TimeStamp", Descending: true}}, testSchema, ""))
	assert.Equal(t, "id DESC",
		OrderClause([]OrderItem{{Property: "Id", Descending: true}}, testSchema, ""))
}

func TestLimitOffset(t *testing.T) {
	n := 5
	assert.Equal(t, " LIMIT 5 OFFSET 10", Postgres.LimitOffset(&n, 10))
	assert.Equal(t, " OFFSET 10", Postgres.LimitOffset(nil, 10))
	assert.Equal(t, " LIMIT -1 OFFSET 10", SQLite.LimitOffset(nil, 10))
	assert.Equal(t, "", SQLite.LimitOffset(nil, 0))
}

func TestCollectionMarshal(t *testing.T) {
	count := 2
	body, err := json.Marshal(Collection{
		Context:  "http://h/odata/$metadata#PulseOximetryMeasurements",
		Count:    &count,
		NextLink: "http://h/odata/PulseOximetryMeasurements?$skip=1",
		Value:    []map[string]interface{}{{"Id": 1}},
	})
	require.NoError(t, err)
	s := string(body)
	assert.True(t, strings.HasPrefix(s, `{"@odata.context":`))
	assert.Less(t, strings.Index(s, `"@odata.count"`), strings.Index(s, `"value"`))
	assert.Contains(t, s, `"@odata.nextLink":"http://h/odata/PulseOximetryMeasurements?$skip=1"`)
}

func TestCollectionMarshal_ItemOrder(t *testing.T) {
	body, err := json.Marshal(Collection{
		Context: "c",
		Value: []map[string]interface{}{
			{"TimeStamp": "2024-01-01T10:00:00Z", "Id": 1, "HeartRate": 70.0},
			{"HeartRate": 71.0, "Id": 2},
		},
		Order: []string{"Id", "HeartRate", "TimeStamp"},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"@odata.context":"c","value":[{"Id":1,"HeartRate":70,"TimeStamp":"2024-01-01T10:00:00Z"},{"Id":2,"HeartRate":71}]}`, string(body))
}

func TestCollectionMarshal_EmptyValue(t *testing.T) {
	body, err := json.Marshal(Collection{Context: "c"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"@odata.context":"c","value":[]}`, string(body))
}

func TestEntityMarshal_Order(t *testing.T) {
	body, err := json.Marshal(Entity{
		Context:    "c",
		Properties: map[string]interface{}{"HeartRate": 70.0, "Id": 3},
		Order:      []string{"Id", "HeartRate", "Missing"},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"@odata.context":"c","Id":3,"HeartRate":70}`, string(body))
}

func TestContextURL(t *testing.T) {
	assert.Equal(t, "http://h/odata/$metadata#Set/$entity", ContextURL("http://h/odata/", "Set", nil, true))
	assert.Equal(t, "http://h/odata/$metadata#Set(Id,HeartRate)", ContextURL("http://h/odata", "Set", []string{"Id", "HeartRate"}, false))
}

func TestApplySelect(t *testing.T) {
	in := map[string]interface{}{"Id": 1, "HeartRate": 70.0, "HeartRateUnit": "bpm"}
	assert.Equal(t, in, ApplySelect(in, nil))
	assert.Equal(t, map[string]interface{}{"Id": 1}, ApplySelect(in, []string{"Id"}))
}

func TestMetadata(t *testing.T) {
	body, err := Metadata(testSchema)
	require.NoError(t, err)
	s := string(body)
	assert.Contains(t, s, `<Schema xmlns="http://docs.oasis-open.org/odata/ns/edm" Namespace="IoTREST.Models">`)
	assert.Contains(t, s, `<EntityType Name="PulseOximetryMeasurement">`)
	assert.Contains(t, s, `<PropertyRef Name="Id">`)
	assert.Contains(t, s, `<Property Name="HeartRate" Type="Edm.Double" Nullable="false">`)
	assert.Contains(t, s, `MaxLength="128"`)
	assert.Contains(t, s, `<EntitySet Name="PulseOximetryMeasurements" EntityType="IoTREST.Models.PulseOximetryMeasurement">`)
}

func TestServiceDocumentHandler(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "http://example.com/odata/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := ServiceDocumentHandler(ServiceRoot("/odata"), testSchema)
	require.NoError(t, h(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ODataVersion, rec.Header().Get(HeaderODataVersion))

	var doc ServiceDocument
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "http://example.com/odata/$metadata", doc.Context)
	require.Len(t, doc.Value, 1)
	assert.Equal(t, "PulseOximetryMeasurements", doc.Value[0].Name)
}

func TestWriteError(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	require.NoError(t, WriteError(c, http.StatusNotFound, NotFoundError("PulseOximetryMeasurements", 42)))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "NotFound", body.Error.Code)
	assert.Contains(t, body.Error.Message, "42")
}

func TestCompile_Postgres(t *testing.T) {
	v := url.Values{"$filter": {"HeartRate gt 60"}, "$orderby": {"TimeStamp desc"}, "$skip": {"5"}}
	opts, err := ParseQueryOptions(v, testSchema, 0)
	require.NoError(t, err)

	limit := 11
	q, err := Compile(opts, testSchema, Postgres, "id, heart_rate", &limit)
	require.NoError(t, err)

	sql, args := q.DataSQL()
	assert.Equal(t, "SELECT id, heart_rate FROM pulse_oximetry_measurement WHERE heart_rate > $1 ORDER BY time_stamp DESC, id ASC LIMIT 11 OFFSET 5", sql)
	assert.Equal(t, []interface{}{float64(60)}, args)

	countSQL, countArgs := q.CountSQL()
	assert.Equal(t, "SELECT COUNT(*) FROM pulse_oximetry_measurement WHERE heart_rate > $1", countSQL)
	assert.Equal(t, args, countArgs)
}

func TestQuery_WhereThenFilter(t *testing.T) {
	ts := time.Date(2015, 3, 1, 10, 15, 0, 0, time.UTC)
	q := NewQuery(testSchema, SQLite, "id")
	q.Where("time_stamp", "=", ts)
	require.NoError(t, q.Filter(mustParse(t, "PatientIdentification eq 'P1'")))

	sql, args := q.DataSQL()
	assert.Equal(t, "SELECT id FROM pulse_oximetry_measurement WHERE time_stamp = ? AND patient_identification = ?", sql)
	assert.Equal(t, []interface{}{ts.UnixMicro(), "P1"}, args)
}

func TestQuery_PostgresPlaceholdersContinue(t *testing.T) {
	q := NewQuery(testSchema, Postgres, "id")
	q.Where("heart_rate_unit", "=", "bpm")
	require.NoError(t, q.Filter(mustParse(t, "Id gt 2")))
	sql, _ := q.CountSQL()
	assert.Equal(t, "SELECT COUNT(*) FROM pulse_oximetry_measurement WHERE heart_rate_unit = $1 AND id > $2", sql)
}
