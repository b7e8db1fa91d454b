package oximetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iotrest/iotrest/internal/platform/odata"
	"github.com/iotrest/iotrest/pkg/pagination"
)

// Request and response headers specific to the queryable endpoint.
const (
	HeaderHTTPMethod        = "X-HTTP-Method"
	HeaderIfMatch           = "If-Match"
	HeaderPreferenceApplied = "Preference-Applied"
	DuplicateSuppressed     = "duplicate-suppressed"

	MethodMerge = "MERGE"
)

// ODataHandler serves the queryable entity set, its $metadata and the
// service document.
type ODataHandler struct {
	svc         *Service
	paging      pagination.Settings
	serviceRoot func(echo.Context) string
}

// NewODataHandler builds a handler for routes mounted under prefix.
func NewODataHandler(svc *Service, paging pagination.Settings, prefix string) *ODataHandler {
	return &ODataHandler{
		svc:         svc,
		paging:      paging.WithDefaults(),
		serviceRoot: odata.ServiceRoot(prefix),
	}
}

// RegisterRoutes mounts the entity set on g. Keys are accepted both as
// PulseOximetryMeasurements(5) and PulseOximetryMeasurements/5. Guards apply
// to writes only.
func (h *ODataHandler) RegisterRoutes(g *echo.Group, guards ...echo.MiddlewareFunc) {
	set := "/" + Schema.EntitySet

	g.GET("", odata.ServiceDocumentHandler(h.serviceRoot, Schema))
	g.GET("/", odata.ServiceDocumentHandler(h.serviceRoot, Schema))
	g.GET("/$metadata", odata.MetadataHandler(Schema))

	g.GET(set, h.ListMeasurements)
	g.GET("/:segment", h.GetMeasurement)
	g.GET(set+"/:key", h.GetMeasurement)

	write := g.Group("", guards...)
	write.POST(set, h.CreateMeasurement)
	for _, path := range []string{"/:segment", set + "/:key"} {
		write.PUT(path, h.ReplaceMeasurement)
		write.PATCH(path, h.MergeMeasurement)
		write.Add(MethodMerge, path, h.MergeMeasurement)
		write.DELETE(path, h.DeleteMeasurement)
		write.POST(path, h.TunneledRequest)
	}
}

func (h *ODataHandler) ListMeasurements(c echo.Context) error {
	opts, err := odata.ParseQueryOptions(c.QueryParams(), Schema, h.paging.MaxTop)
	if err != nil {
		return h.writeError(c, err, nil)
	}

	page := pagination.Plan(opts.Top, opts.Skip, h.paging)
	limit := page.FetchLimit()
	result, err := h.svc.Query(c.Request().Context(), opts, &limit)
	if err != nil {
		return h.writeError(c, err, nil)
	}

	items := result.Items
	body := odata.Collection{
		Context: odata.ContextURL(h.serviceRoot(c), Schema.EntitySet, opts.Select, false),
		Count:   result.Count,
		Order:   PropertyNames(),
	}
	if page.HasNext(len(items)) {
		items = items[:page.Limit]
		body.NextLink = page.NextLink(c.Scheme()+"://"+c.Request().Host, c.Request().URL)
	}
	body.Value = make([]map[string]interface{}, len(items))
	for i, m := range items {
		body.Value[i] = odata.ApplySelect(m.ToEntity(), opts.Select)
	}
	return odata.WriteCollection(c, body)
}

func (h *ODataHandler) GetMeasurement(c echo.Context) error {
	id, err := h.key(c)
	if err != nil {
		return h.writeError(c, err, nil)
	}
	opts, err := odata.ParseQueryOptions(c.QueryParams(), Schema, h.paging.MaxTop)
	if err != nil {
		return h.writeError(c, err, id)
	}
	m, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return h.writeError(c, err, id)
	}
	return h.writeEntity(c, http.StatusOK, m, opts.Select)
}

// CreateMeasurement inserts the posted measurement unless a near-identical
// one is already stored. A suppressed duplicate still answers 201, with Id 0
// and the Preference-Applied header set.
func (h *ODataHandler) CreateMeasurement(c echo.Context) error {
	d, err := decodeDelta(c)
	if err != nil {
		return h.writeError(c, err, nil)
	}
	m, inserted, err := h.svc.Create(c.Request().Context(), d)
	if err != nil {
		return h.writeError(c, err, nil)
	}
	if !inserted {
		c.Response().Header().Set(HeaderPreferenceApplied, DuplicateSuppressed)
		return odata.WriteEntity(c, http.StatusCreated, h.entity(c, m, nil, ""))
	}
	c.Response().Header().Set(echo.HeaderLocation, h.entityURL(c, m.ID))
	return h.writeEntity(c, http.StatusCreated, m, nil)
}

func (h *ODataHandler) ReplaceMeasurement(c echo.Context) error {
	return h.update(c, h.svc.Replace)
}

func (h *ODataHandler) MergeMeasurement(c echo.Context) error {
	return h.update(c, h.svc.Merge)
}

type updateFunc func(ctx context.Context, id int64, d *Delta, ifMatch string) (*Measurement, error)

func (h *ODataHandler) update(c echo.Context, apply updateFunc) error {
	id, err := h.key(c)
	if err != nil {
		return h.writeError(c, err, nil)
	}
	d, err := decodeDelta(c)
	if err != nil {
		return h.writeError(c, err, id)
	}
	m, err := apply(c.Request().Context(), id, d, c.Request().Header.Get(HeaderIfMatch))
	if err != nil {
		return h.writeError(c, err, id)
	}
	return h.writeEntity(c, http.StatusOK, m, nil)
}

func (h *ODataHandler) DeleteMeasurement(c echo.Context) error {
	id, err := h.key(c)
	if err != nil {
		return h.writeError(c, err, nil)
	}
	if err := h.svc.Delete(c.Request().Context(), id, c.Request().Header.Get(HeaderIfMatch)); err != nil {
		return h.writeError(c, err, id)
	}
	return c.NoContent(http.StatusNoContent)
}

// TunneledRequest dispatches a POST on an entity key by its X-HTTP-Method
// header, as sent by clients that cannot issue MERGE or PATCH directly.
func (h *ODataHandler) TunneledRequest(c echo.Context) error {
	switch strings.ToUpper(strings.TrimSpace(c.Request().Header.Get(HeaderHTTPMethod))) {
	case MethodMerge, http.MethodPatch:
		return h.MergeMeasurement(c)
	case http.MethodPut:
		return h.ReplaceMeasurement(c)
	case http.MethodDelete:
		return h.DeleteMeasurement(c)
	default:
		return odata.WriteError(c, http.StatusMethodNotAllowed,
			odata.NewError("MethodNotAllowed", "POST is not supported on a single "+Schema.EntityType+" entity."))
	}
}

// key extracts the entity key from either route form. The "/:segment" form
// must name the entity set.
func (h *ODataHandler) key(c echo.Context) (int64, error) {
	raw := c.Param("key")
	if raw == "" {
		segment := c.Param("segment")
		if !strings.HasPrefix(segment, Schema.EntitySet+"(") {
			return 0, errResourceNotFound
		}
		raw = strings.TrimPrefix(segment, Schema.EntitySet)
	}
	id, err := odata.ParseKey(raw, Schema)
	if err != nil {
		return 0, &odata.QueryError{Option: "key", Message: err.Error()}
	}
	return id, nil
}

var errResourceNotFound = errors.New("resource not found")

func (h *ODataHandler) entityURL(c echo.Context, id int64) string {
	return strings.TrimRight(h.serviceRoot(c), "/") + "/" + Schema.EntitySet + fmt.Sprintf("(%d)", id)
}

func (h *ODataHandler) entity(c echo.Context, m *Measurement, selected []string, etag string) odata.Entity {
	return odata.Entity{
		Context:    odata.ContextURL(h.serviceRoot(c), Schema.EntitySet, selected, true),
		ETag:       etag,
		Properties: odata.ApplySelect(m.ToEntity(), selected),
		Order:      PropertyNames(),
	}
}

func (h *ODataHandler) writeEntity(c echo.Context, status int, m *Measurement, selected []string) error {
	return odata.WriteEntity(c, status, h.entity(c, m, selected, m.ETag()))
}

// writeError maps service and decoding errors onto OData error responses.
// Anything unrecognised is returned to echo's error handler as a 500.
func (h *ODataHandler) writeError(c echo.Context, err error, key interface{}) error {
	var verr *ValidationError
	var qerr *odata.QueryError
	var herr *echo.HTTPError
	switch {
	case errors.As(err, &verr):
		body := odata.NewError("ValidationError", verr.Message)
		if body.Error.Message == "" {
			body.Error.Message = "the entity is invalid"
		}
		for _, d := range verr.Details {
			body.Error.Details = append(body.Error.Details, odata.ErrorDetail{Target: d.Field, Message: d.Message})
		}
		return odata.WriteError(c, http.StatusBadRequest, body)
	case errors.As(err, &qerr):
		body := odata.NewError("BadRequest", qerr.Error())
		body.Error.Target = qerr.Option
		return odata.WriteError(c, http.StatusBadRequest, body)
	case errors.As(err, &herr):
		return odata.WriteError(c, herr.Code, odata.NewError(strings.ReplaceAll(http.StatusText(herr.Code), " ", ""), fmt.Sprint(herr.Message)))
	case errors.Is(err, errUnsupportedMediaType):
		return odata.WriteError(c, http.StatusUnsupportedMediaType,
			odata.NewError("UnsupportedMediaType", "the request body must be application/json or application/x-www-form-urlencoded"))
	case errors.Is(err, errResourceNotFound):
		return odata.WriteError(c, http.StatusNotFound,
			odata.NewError("NotFound", "no resource matches the request URI "+c.Request().URL.Path))
	case errors.Is(err, ErrNotFound):
		return odata.WriteError(c, http.StatusNotFound, odata.NotFoundError(Schema.EntitySet, key))
	case errors.Is(err, ErrPreconditionFailed):
		return odata.WriteError(c, http.StatusPreconditionFailed, odata.NewError("PreconditionFailed", err.Error()))
	case errors.Is(err, ErrConflict):
		return odata.WriteError(c, http.StatusInternalServerError, odata.NewError("Conflict", err.Error()))
	default:
		return err
	}
}
