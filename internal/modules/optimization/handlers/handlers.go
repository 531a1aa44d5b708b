// Package handlers provides HTTP handlers for portfolio optimization.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/aristath/mpt/internal/modules/optimization"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	dateLayout   = "2006-01-02"
	maxBodyBytes = 8 << 20

	contentTypeJSON    = "application/json"
	contentTypeMsgpack = "application/msgpack"
)

// PricePoint is one inline price observation.
type PricePoint struct {
	Date  string  `json:"date" validate:"required,datetime=2006-01-02"`
	Price float64 `json:"price" validate:"gt=0"`
}

// OptimizeRequest is the body of POST /api/optimizer/optimize.
type OptimizeRequest struct {
	Tickers  []string                `json:"tickers" validate:"required,min=2,max=200,unique,dive,required"`
	Start    string                  `json:"start,omitempty" validate:"omitempty,datetime=2006-01-02"`
	End      string                  `json:"end,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Target   *float64                `json:"target,omitempty"`
	LongOnly *bool                   `json:"long_only,omitempty" default:"true"`
	Frontier bool                    `json:"frontier"`
	Points   int                     `json:"points" default:"25" validate:"gte=1,lte=500"`
	Prices   map[string][]PricePoint `json:"prices,omitempty" validate:"omitempty,dive,dive"`
}

// FrontierRequest is the body of POST /api/optimizer/frontier.
type FrontierRequest struct {
	Tickers  []string                `json:"tickers" validate:"required,min=2,max=200,unique,dive,required"`
	Start    string                  `json:"start,omitempty" validate:"omitempty,datetime=2006-01-02"`
	End      string                  `json:"end,omitempty" validate:"omitempty,datetime=2006-01-02"`
	LongOnly *bool                   `json:"long_only,omitempty" default:"true"`
	Points   int                     `json:"points" default:"25" validate:"gte=1,lte=500"`
	Prices   map[string][]PricePoint `json:"prices,omitempty" validate:"omitempty,dive,dive"`
}

// Handler handles optimizer HTTP requests
type Handler struct {
	service  *optimization.OptimizerService
	repo     optimization.PriceRepository // nil when only inline prices are served
	validate *validator.Validate
	log      zerolog.Logger
}

// NewHandler creates a new optimizer handler
func NewHandler(
	service *optimization.OptimizerService,
	repo optimization.PriceRepository,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		service:  service,
		repo:     repo,
		validate: newValidator(),
		log:      log.With().Str("handler", "optimizer").Logger(),
	}
}

// HandleOptimize handles POST /api/optimizer/optimize
func (h *Handler) HandleOptimize(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req OptimizeRequest
	if errs := h.readAndValidate(r, &req); errs != nil {
		h.writeValidationErrors(w, r, errs)
		return
	}

	svcReq := optimization.OptimizeRequest{
		Return:          optimization.Unconstrained{},
		LongOnly:        *req.LongOnly,
		IncludeFrontier: req.Frontier,
		FrontierPoints:  req.Points,
	}
	if req.Target != nil {
		svcReq.Return = optimization.TargetReturn{Value: *req.Target}
	}

	var (
		result *optimization.OptimizationResult
		err    error
	)
	if len(req.Prices) > 0 {
		var series optimization.PriceSeries
		if series, err = inlineSeries(req.Tickers, req.Prices); err == nil {
			result, err = h.service.Optimize(r.Context(), series, svcReq)
		}
	} else {
		var query optimization.PriceQuery
		if query, err = h.priceQuery(req.Tickers, req.Start, req.End); err == nil {
			result, err = h.service.OptimizeFromRepository(r.Context(), h.repo, query, svcReq)
		}
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.respond(w, r, http.StatusOK, result, start)
}

// HandleFrontier handles POST /api/optimizer/frontier
func (h *Handler) HandleFrontier(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req FrontierRequest
	if errs := h.readAndValidate(r, &req); errs != nil {
		h.writeValidationErrors(w, r, errs)
		return
	}

	svcReq := optimization.FrontierRequest{
		PointCount: req.Points,
		LongOnly:   *req.LongOnly,
	}

	var (
		result *optimization.FrontierResult
		err    error
	)
	if len(req.Prices) > 0 {
		var series optimization.PriceSeries
		if series, err = inlineSeries(req.Tickers, req.Prices); err == nil {
			result, err = h.service.ComputeFrontier(r.Context(), series, svcReq)
		}
	} else {
		var query optimization.PriceQuery
		if query, err = h.priceQuery(req.Tickers, req.Start, req.End); err == nil {
			result, err = h.service.FrontierFromRepository(r.Context(), h.repo, query, svcReq)
		}
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.respond(w, r, http.StatusOK, result, start)
}

// priceQuery builds a repository query; empty dates select the default window.
func (h *Handler) priceQuery(tickers []string, start, end string) (optimization.PriceQuery, error) {
	if h.repo == nil {
		return optimization.PriceQuery{}, &optimization.InvalidInputError{
			Field:  "prices",
			Reason: "no price history configured, send prices inline",
		}
	}

	query := optimization.PriceQuery{Tickers: toTickers(tickers)}
	var err error
	if start != "" {
		if query.Range.Start, err = time.Parse(dateLayout, start); err != nil {
			return optimization.PriceQuery{}, &optimization.InvalidInputError{Field: "start", Reason: err.Error()}
		}
	}
	if end != "" {
		if query.Range.End, err = time.Parse(dateLayout, end); err != nil {
			return optimization.PriceQuery{}, &optimization.InvalidInputError{Field: "end", Reason: err.Error()}
		}
	}
	return query, nil
}

// inlineSeries converts request prices into a series ordered like tickers.
// Map keys are matched case-insensitively; a ticker without prices gets an
// empty series and is reported by the optimizer.
func inlineSeries(rawTickers []string, prices map[string][]PricePoint) (optimization.PriceSeries, error) {
	tickers, err := optimization.NormalizeTickers(toTickers(rawTickers))
	if err != nil {
		return optimization.PriceSeries{}, err
	}

	byTicker := make(map[optimization.Ticker][]PricePoint, len(prices))
	for k, v := range prices {
		byTicker[optimization.NormalizeTicker(k)] = v
	}

	series := optimization.NewPriceSeries(tickers...)
	for _, ticker := range tickers {
		points := byTicker[ticker]
		obs := make([]optimization.PriceObservation, 0, len(points))
		for _, p := range points {
			t, err := time.Parse(dateLayout, p.Date)
			if err != nil {
				return optimization.PriceSeries{}, &optimization.InvalidInputError{Field: "prices", Reason: err.Error()}
			}
			obs = append(obs, optimization.PriceObservation{Time: t, Price: p.Price})
		}
		series.Prices[ticker] = obs
	}
	return series, nil
}

func toTickers(raw []string) []optimization.Ticker {
	out := make([]optimization.Ticker, len(raw))
	for i, r := range raw {
		out[i] = optimization.Ticker(r)
	}
	return out
}

type envelope struct {
	Data     interface{} `json:"data" msgpack:"data"`
	Metadata metadata    `json:"metadata" msgpack:"metadata"`
}

type metadata struct {
	RunID      string `json:"run_id" msgpack:"run_id"`
	Timestamp  string `json:"timestamp" msgpack:"timestamp"`
	DurationMS int64  `json:"duration_ms" msgpack:"duration_ms"`
}

type errorBody struct {
	Error errorPayload `json:"error" msgpack:"error"`
}

type errorPayload struct {
	Code    string      `json:"code" msgpack:"code"`
	Message string      `json:"message" msgpack:"message"`
	Details interface{} `json:"details,omitempty" msgpack:"details,omitempty"`
}

// respond wraps data in the standard envelope.
func (h *Handler) respond(w http.ResponseWriter, r *http.Request, status int, data interface{}, start time.Time) {
	h.write(w, r, status, envelope{
		Data: data,
		Metadata: metadata{
			RunID:      uuid.NewString(),
			Timestamp:  time.Now().Format(time.RFC3339),
			DurationMS: time.Since(start).Milliseconds(),
		},
	})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := optimization.ErrorCode(err)
	status := statusForCode(code)

	event := h.log.Warn()
	if status >= http.StatusInternalServerError {
		event = h.log.Error()
	}
	event.Err(err).Str("code", code).Str("path", r.URL.Path).Msg("Optimizer request failed")

	h.write(w, r, status, errorBody{Error: errorPayload{
		Code:    code,
		Message: err.Error(),
		Details: errorDetails(err),
	}})
}

func (h *Handler) writeValidationErrors(w http.ResponseWriter, r *http.Request, errs []ValidationError) {
	h.write(w, r, http.StatusBadRequest, errorBody{Error: errorPayload{
		Code:    "validation_failed",
		Message: "request validation failed",
		Details: errs,
	}})
}

// write encodes v as msgpack when the client asks for it, JSON otherwise.
func (h *Handler) write(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	if strings.Contains(r.Header.Get("Accept"), contentTypeMsgpack) {
		b, err := msgpack.Marshal(v)
		if err == nil {
			w.Header().Set("Content-Type", contentTypeMsgpack)
			w.WriteHeader(status)
			_, _ = w.Write(b)
			return
		}
		h.log.Error().Err(err).Msg("Failed to encode msgpack response, falling back to JSON")
	}
	h.writeJSON(w, status, v)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func statusForCode(code string) int {
	switch code {
	case optimization.CodeInvalidInput:
		return http.StatusBadRequest
	case optimization.CodeInsufficientData,
		optimization.CodeMisalignedData,
		optimization.CodeInvalidPrice,
		optimization.CodeDegenerateCovariance,
		optimization.CodeInfeasibleTarget,
		optimization.CodeEmptyFrontier:
		return http.StatusUnprocessableEntity
	case optimization.CodeCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorDetails exposes the structured fields of the typed errors.
func errorDetails(err error) map[string]interface{} {
	var (
		insufficient *optimization.InsufficientDataError
		misaligned   *optimization.MisalignedDataError
		invalidPrice *optimization.InvalidPriceError
		invalidInput *optimization.InvalidInputError
		degenerate   *optimization.DegenerateCovarianceError
		infeasible   *optimization.InfeasibleTargetError
		diverged     *optimization.SolverDivergedError
		empty        *optimization.EmptyFrontierError
	)

	switch {
	case errors.As(err, &insufficient):
		return map[string]interface{}{
			"ticker":       insufficient.Ticker,
			"tickers":      insufficient.Tickers,
			"observations": insufficient.Observations,
			"required":     insufficient.Required,
		}
	case errors.As(err, &misaligned):
		return map[string]interface{}{
			"common":     misaligned.Common,
			"required":   misaligned.Required,
			"raw_counts": misaligned.RawCounts,
		}
	case errors.As(err, &invalidPrice):
		return map[string]interface{}{
			"ticker": invalidPrice.Ticker,
			"index":  invalidPrice.Index,
		}
	case errors.As(err, &invalidInput):
		return map[string]interface{}{"field": invalidInput.Field}
	case errors.As(err, &degenerate):
		return map[string]interface{}{
			"min_eigenvalue": degenerate.MinEigenvalue,
			"ridge":          degenerate.Ridge,
		}
	case errors.As(err, &infeasible):
		return map[string]interface{}{
			"target":     infeasible.Target,
			"min_return": infeasible.Range.Min,
			"max_return": infeasible.Range.Max,
		}
	case errors.As(err, &diverged):
		return map[string]interface{}{
			"iterations": diverged.Iterations,
			"residual":   diverged.Residual,
			"tolerance":  diverged.Tolerance,
		}
	case errors.As(err, &empty):
		return map[string]interface{}{
			"attempted": empty.Attempted,
			"gaps":      empty.Gaps,
		}
	}
	return nil
}
