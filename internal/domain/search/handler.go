package search

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirtable/internal/domain/flatten"
	"github.com/ehr/fhirtable/internal/domain/table"
	"github.com/ehr/fhirtable/internal/platform/fhir"
	"github.com/ehr/fhirtable/internal/platform/fhirpath"
)

// Exporter stores a table under a name.
type Exporter interface {
	Write(ctx context.Context, name string, t *table.Table) (int64, error)
}

// TableRequest is the body of POST /tables.
type TableRequest struct {
	ResourceType  string            `json:"resource_type"`
	RequestParams map[string]string `json:"request_params"`
	FHIRPaths     [][]string        `json:"fhir_paths"`
	NumPages      *int              `json:"num_pages"`
	Policy        string            `json:"policy"`
	ExportTable   string            `json:"export_table"`
}

// maxPages bounds num_pages on the HTTP API.
const maxPages = 100

type Handler struct {
	searcher *Searcher
	exporter Exporter
}

// NewHandler serves searcher over HTTP. exporter may be nil, in which case
// export requests are rejected.
func NewHandler(searcher *Searcher, exporter Exporter) *Handler {
	return &Handler{searcher: searcher, exporter: exporter}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/tables", h.CreateTable)
}

// CreateTable runs a search and returns the table. The output format comes
// from ?_format (json, csv, ndjson, text); json is the default.
func (h *Handler) CreateTable(c echo.Context) error {
	var req TableRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	q, err := req.query()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	format := table.FormatJSON
	if f := c.QueryParam("_format"); f != "" {
		if format, err = table.ParseFormat(f); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	if req.ExportTable != "" && h.exporter == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "table export is not configured")
	}

	ctx := c.Request().Context()
	tbl, err := h.searcher.Run(ctx, q)
	if err != nil {
		return echo.NewHTTPError(StatusFor(err), err.Error())
	}

	if req.ExportTable != "" {
		n, err := h.exporter.Write(ctx, req.ExportTable, tbl)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "export failed: "+err.Error())
		}
		c.Response().Header().Set("X-Exported-Rows", strconv.FormatInt(n, 10))
	}

	if format == table.FormatJSON {
		return c.JSON(http.StatusOK, tbl)
	}
	var buf bytes.Buffer
	if err := table.Write(&buf, tbl, format, c.QueryParam("transpose") == "true"); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.Blob(http.StatusOK, format.ContentType(), buf.Bytes())
}

func (r TableRequest) query() (Query, error) {
	fields := make([]flatten.Field, 0, len(r.FHIRPaths))
	for _, p := range r.FHIRPaths {
		if len(p) != 2 {
			return Query{}, errors.New("fhir_paths entries must be [column, expression] pairs")
		}
		fields = append(fields, flatten.Field{Column: p[0], Expr: p[1]})
	}

	policy, err := flatten.ParsePolicy(r.Policy)
	if err != nil {
		return Query{}, err
	}
	if r.Policy == "" {
		policy = ""
	}

	pages := 1
	if r.NumPages != nil {
		pages = *r.NumPages
	}
	if pages <= 0 || pages > maxPages {
		return Query{}, errors.New("num_pages must be between 1 and " + strconv.Itoa(maxPages))
	}

	return Query{
		ResourceType: r.ResourceType,
		Params:       fhir.ParamsFromMap(r.RequestParams),
		Fields:       fields,
		NumPages:     pages,
		Policy:       policy,
	}, nil
}

// StatusFor maps a search error to an HTTP status: caller mistakes are 400,
// upstream FHIR failures 502, everything else 500.
func StatusFor(err error) int {
	var (
		pe *fhirpath.ParseError
		re *fhir.RequestError
		se *flatten.SpecError
		te *fhir.TransportError
	)
	switch {
	case errors.As(err, &pe), errors.As(err, &re), errors.As(err, &se):
		return http.StatusBadRequest
	case errors.As(err, &te):
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
