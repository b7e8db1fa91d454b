package oximetry

import (
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/labstack/echo/v4"
)

var errUnsupportedMediaType = errors.New("unsupported media type")

// Handler serves the plain REST endpoint at /PulseOximetry.
type Handler struct {
	repo *Repository
}

func NewHandler(repo *Repository) *Handler {
	return &Handler{repo: repo}
}

// RegisterRoutes mounts the REST endpoint. Guards apply to writes only.
func (h *Handler) RegisterRoutes(api *echo.Group, guards ...echo.MiddlewareFunc) {
	api.GET("/PulseOximetry", h.ListMeasurements)

	write := api.Group("", guards...)
	write.POST("/PulseOximetry", h.CreateMeasurement)
}

func (h *Handler) ListMeasurements(c echo.Context) error {
	items, err := h.repo.GetAllMeasurements(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

// CreateMeasurement stores the posted measurement as is. There is no
// validation beyond decoding and no duplicate check on this endpoint.
func (h *Handler) CreateMeasurement(c echo.Context) error {
	d, err := decodeDelta(c)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		if errors.Is(err, errUnsupportedMediaType) {
			return echo.NewHTTPError(http.StatusUnsupportedMediaType, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	m := d.Entity()
	m.ID = 0
	m.Normalize()
	if err := h.repo.SavePulseOximetryMeasurement(c.Request().Context(), m); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, m)
}

// decodeDelta reads a JSON or form-encoded measurement body. A missing
// Content-Type is read as JSON.
func decodeDelta(c echo.Context) (*Delta, error) {
	req := c.Request()
	ct := req.Header.Get(echo.HeaderContentType)
	mediaType := ""
	if ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil {
			return nil, errUnsupportedMediaType
		}
		mediaType = mt
	}

	switch mediaType {
	case "", echo.MIMEApplicationJSON:
		body, err := io.ReadAll(req.Body)
		if err != nil {
			if isHTTPError(err) {
				return nil, err
			}
			return nil, invalidf("could not read the request body: %v", err)
		}
		return DecodeJSON(body)
	case echo.MIMEApplicationForm:
		if err := req.ParseForm(); err != nil {
			if isHTTPError(err) {
				return nil, err
			}
			return nil, invalidf("could not parse the form body: %v", err)
		}
		return DecodeForm(req.PostForm)
	default:
		return nil, errUnsupportedMediaType
	}
}

// isHTTPError reports whether err already carries a status, such as the 413
// raised by the body limit reader.
func isHTTPError(err error) bool {
	var he *echo.HTTPError
	return errors.As(err, &he)
}
