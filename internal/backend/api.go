package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"procodus.dev/solarwatch/internal/solar"
	"procodus.dev/solarwatch/pkg/metrics"
)

const (
	defaultCount   = 100
	maxCount       = 10000
	defaultMetrics = 120
	maxBodyBytes   = 4 << 20
)

// API serves the solar core over HTTP.
type API struct {
	logger  *slog.Logger
	core    *solar.Core
	metrics *metrics.BackendMetrics
	now     func() time.Time
}

// NewAPI creates an API over core. m may be nil.
func NewAPI(logger *slog.Logger, core *solar.Core, m *metrics.BackendMetrics) (*API, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if core == nil {
		return nil, errors.New("core cannot be nil")
	}

	return &API{
		logger:  logger.With("component", "api"),
		core:    core,
		metrics: m,
		now:     time.Now,
	}, nil
}

// Router returns the route table without middleware.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(a.instrument)

	r.HandleFunc("/healthz", a.health).Methods(http.MethodGet)
	r.Handle("/prom", metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/sites", a.listSites).Methods(http.MethodGet)
	r.HandleFunc("/sites", a.createSite).Methods(http.MethodPost)
	r.HandleFunc("/sites/geo", a.geoSearch).Methods(http.MethodGet)
	r.HandleFunc("/sites/{id:[0-9]+}", a.getSite).Methods(http.MethodGet)
	r.HandleFunc("/sites/{id:[0-9]+}", a.updateSite).Methods(http.MethodPut)
	r.HandleFunc("/sites/{id:[0-9]+}", a.deleteSite).Methods(http.MethodDelete)
	r.HandleFunc("/sites/{id:[0-9]+}/stats", a.siteStats).Methods(http.MethodGet)

	r.HandleFunc("/capacity", a.capacity).Methods(http.MethodGet)

	r.HandleFunc("/meter_readings", a.postReadings).Methods(http.MethodPost)
	r.HandleFunc("/meter_readings", a.recentFeed).Methods(http.MethodGet)
	r.HandleFunc("/meter_readings/stream", a.streamFeed).Methods(http.MethodGet)
	r.HandleFunc("/meter_readings/{id:[0-9]+}", a.siteReadings).Methods(http.MethodGet)

	r.HandleFunc("/metrics/{scope}", a.metricSeries).Methods(http.MethodGet)
	r.HandleFunc("/metrics/{scope}/latest", a.latestMetric).Methods(http.MethodGet)
	r.HandleFunc("/metrics/{scope}/summary", a.metricSummary).Methods(http.MethodGet)

	return r
}

// Handler returns the router wrapped in panic recovery, JSON content type
// enforcement for writes and request logging.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.Router()
	h = handlers.ContentTypeHandler(h, "application/json")
	h = handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{a.logger}),
		handlers.PrintRecoveryStack(true),
	)(h)
	return handlers.CustomLoggingHandler(io.Discard, h, a.logRequest)
}

func (a *API) logRequest(_ io.Writer, p handlers.LogFormatterParams) {
	a.logger.Debug("http request",
		"method", p.Request.Method,
		"path", p.URL.Path,
		"status", p.StatusCode,
		"size", p.Size,
		"duration", time.Since(p.TimeStamp),
	)
}

type recoveryLogger struct {
	logger *slog.Logger
}

func (l recoveryLogger) Println(args ...any) {
	l.logger.Error("panic serving request", "panic", fmt.Sprint(args...))
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (a *API) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}

		done := a.metrics.RequestStarted()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		done(route, r.Method, rec.code)
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// errBadRequest marks request parsing failures.
var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// statusFor maps core errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, solar.ErrSiteNotFound):
		return http.StatusNotFound
	case errors.Is(err, solar.ErrDuplicateSite):
		return http.StatusConflict
	case errors.Is(err, errBadRequest),
		errors.Is(err, solar.ErrInvalidRadius),
		errors.Is(err, solar.ErrInvalidCoordinate),
		errors.Is(err, solar.ErrInvalidReading),
		errors.Is(err, solar.ErrInvalidSite):
		return http.StatusBadRequest
	case errors.Is(err, solar.ErrRangeUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, solar.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, solar.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		a.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, code, errorBody{Error: err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid JSON body: %v", err)
	}
	return nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest("invalid site id %q", mux.Vars(r)["id"])
	}
	return id, nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 || n > maxCount {
		return 0, badRequest("%s must be an integer between 0 and %d", name, maxCount)
	}
	return n, nil
}

func floatParam(r *http.Request, name string) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, badRequest("%s is required", name)
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, badRequest("%s must be a number", name)
	}
	return f, nil
}

// timeParam accepts RFC 3339 or Unix milliseconds.
func timeParam(r *http.Request, name string, def time.Time) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, badRequest("%s must be RFC 3339 or Unix milliseconds", name)
	}
	return t.UTC(), nil
}

func unitParam(r *http.Request) (solar.MetricUnit, bool, error) {
	raw := r.URL.Query().Get("unit")
	if raw == "" {
		return "", false, nil
	}
	u := solar.MetricUnit(raw)
	if !u.Valid() {
		return "", false, badRequest("unknown metric unit %q", raw)
	}
	return u, true, nil
}

func scopeParam(r *http.Request) (solar.Scope, error) {
	scope, err := solar.ParseScope(mux.Vars(r)["scope"])
	if err != nil {
		return 0, badRequest("%v", err)
	}
	return scope, nil
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	if err := a.core.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) listSites(w http.ResponseWriter, r *http.Request) {
	sites, err := a.core.ListSites(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sites)
}

func (a *API) createSite(w http.ResponseWriter, r *http.Request) {
	var site solar.Site
	if err := decodeBody(r, &site); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.core.InsertSite(r.Context(), site); err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/sites/%d", site.ID))
	writeJSON(w, http.StatusCreated, site)
}

func (a *API) getSite(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	site, err := a.core.GetSite(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, site)
}

func (a *API) updateSite(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	var site solar.Site
	if err := decodeBody(r, &site); err != nil {
		a.fail(w, r, err)
		return
	}
	if site.ID != 0 && site.ID != id {
		a.fail(w, r, badRequest("body id %d does not match path id %d", site.ID, id))
		return
	}
	site.ID = id
	if err := a.core.UpdateSite(r.Context(), site); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, site)
}

func (a *API) deleteSite(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.core.DeleteSite(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) siteStats(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	stats, err := a.core.GetSiteStats(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) geoSearch(w http.ResponseWriter, r *http.Request) {
	lat, err := floatParam(r, "lat")
	if err != nil {
		a.fail(w, r, err)
		return
	}
	lng, err := floatParam(r, "lng")
	if err != nil {
		a.fail(w, r, err)
		return
	}
	radius, err := floatParam(r, "radius")
	if err != nil {
		a.fail(w, r, err)
		return
	}

	q := solar.GeoQuery{
		Coordinate: solar.Coordinate{Lng: lng, Lat: lat},
		Radius:     radius,
		RadiusUnit: solar.GeoUnit(r.URL.Query().Get("radius_unit")),
	}
	if raw := r.URL.Query().Get("only_excess_capacity"); raw != "" {
		q.OnlyExcessCapacity, err = strconv.ParseBool(raw)
		if err != nil {
			a.fail(w, r, badRequest("only_excess_capacity must be a boolean"))
			return
		}
	}

	sites, err := a.core.GeoSearch(r.Context(), q)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sites)
}

func (a *API) capacity(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 10)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	report, err := a.core.GetCapacityReport(r.Context(), limit, limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) postReadings(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		a.fail(w, r, badRequest("failed to read body: %v", err))
		return
	}
	readings, err := decodeReadings(body)
	if err != nil {
		a.fail(w, r, badRequest("invalid JSON body: %v", err))
		return
	}
	err = a.core.IngestReadings(r.Context(), readings)
	if err == nil {
		writeJSON(w, http.StatusCreated, batchResult{Accepted: len(readings)})
		return
	}

	failures := solar.ReadingErrors(err)
	if len(failures) == 0 {
		a.fail(w, r, err)
		return
	}
	result := batchResult{
		Accepted: len(readings) - len(failures),
		Failed:   make([]readingFailure, len(failures)),
	}
	for i, f := range failures {
		result.Failed[i] = readingFailure{
			Index:  f.Index,
			SiteID: f.SiteID,
			Status: statusFor(f.Err),
			Error:  f.Err.Error(),
		}
	}

	code := http.StatusMultiStatus
	if result.Accepted == 0 {
		code = result.Failed[0].Status
		result.Error = result.Failed[0].Error
	}
	if code >= http.StatusInternalServerError {
		a.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, code, result)
}

// batchResult reports the per-reading outcome of a posted batch. Failed is
// in batch order; Error repeats the first failure when nothing was accepted.
type batchResult struct {
	Accepted int              `json:"accepted"`
	Failed   []readingFailure `json:"failed,omitempty"`
	Error    string           `json:"error,omitempty"`
}

type readingFailure struct {
	Index  int    `json:"index"`
	SiteID int64  `json:"site_id"`
	Status int    `json:"status"`
	Error  string `json:"error"`
}

func (a *API) recentFeed(w http.ResponseWriter, r *http.Request) {
	count, err := intParam(r, "count", defaultCount)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	entries, err := a.core.RecentFeed(r.Context(), count)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// streamFeed writes feed entries as newline-delimited JSON until the client goes away.
func (a *API) streamFeed(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.fail(w, r, errors.New("streaming unsupported"))
		return
	}

	from := solar.Cursor(r.URL.Query().Get("from"))
	if from == "" {
		from = solar.FeedTail
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for entry, err := range a.core.SubscribeFeed(r.Context(), from) {
		if err != nil {
			a.logger.Error("feed subscription failed", "error", err)
			_ = enc.Encode(errorBody{Error: err.Error()})
			return
		}
		if err := enc.Encode(entry); err != nil {
			return
		}
		flusher.Flush()
	}
}

// siteReadings returns a site's newest count raw readings, or with from/to
// the readings in that window oldest first.
func (a *API) siteReadings(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	count, err := intParam(r, "count", defaultCount)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	q := r.URL.Query()
	if !q.Has("from") && !q.Has("to") {
		readings, err := a.core.RecentReadings(r.Context(), id, count)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, readings)
		return
	}

	now := a.now().UTC()
	from, err := timeParam(r, "from", now.Add(-24*time.Hour))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	to, err := timeParam(r, "to", now)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	readings, err := a.core.ReadingsBetween(r.Context(), id, from, to)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, readings)
}

// metricSeries returns one series per unit, or only the requested unit. A
// from/to range selects by time; otherwise the newest count points are returned.
func (a *API) metricSeries(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeParam(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	unit, hasUnit, err := unitParam(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	count, err := intParam(r, "count", defaultMetrics)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	q := r.URL.Query()
	ranged := q.Has("from") || q.Has("to")
	now := a.now().UTC()
	from, err := timeParam(r, "from", now.Add(-24*time.Hour))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	to, err := timeParam(r, "to", now)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	units := solar.MetricUnits
	if hasUnit {
		units = []solar.MetricUnit{unit}
	}

	out := make(map[solar.MetricUnit][]solar.Measurement, len(units))
	for _, u := range units {
		var series []solar.Measurement
		if ranged {
			series, err = a.core.GetMetricRange(r.Context(), scope, u, from, to)
		} else {
			series, err = a.core.GetRecentMetrics(r.Context(), scope, u, count)
		}
		if err != nil {
			a.fail(w, r, err)
			return
		}
		out[u] = series
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) latestMetric(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeParam(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	unit, hasUnit, err := unitParam(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if !hasUnit {
		a.fail(w, r, badRequest("unit is required"))
		return
	}

	m, found, err := a.core.LatestMetric(r.Context(), scope, unit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no measurements"})
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) metricSummary(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeParam(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	unit, hasUnit, err := unitParam(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if !hasUnit {
		unit = solar.WhGenerated
	}

	now := a.now().UTC()
	from, err := timeParam(r, "from", now.Add(-24*time.Hour))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	to, err := timeParam(r, "to", now)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	summary, err := a.core.GetMetricSummary(r.Context(), scope, unit, from, to)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
