package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/mpt/internal/modules/optimization"
	"nhooyr.io/websocket"
)

const streamWriteTimeout = 10 * time.Second

// StreamQuery is the query string of GET /api/optimizer/frontier/stream.
type StreamQuery struct {
	Tickers  []string `json:"tickers" validate:"required,min=2,max=200,unique,dive,required"`
	Start    string   `json:"start" validate:"omitempty,datetime=2006-01-02"`
	End      string   `json:"end" validate:"omitempty,datetime=2006-01-02"`
	LongOnly *bool    `json:"long_only" default:"true"`
	Points   int      `json:"points" default:"25" validate:"gte=1,lte=500"`
}

// streamMessage is one websocket frame. Type is "point", "done" or "error".
type streamMessage struct {
	Type        string                      `json:"type"`
	Index       int                         `json:"index,omitempty"`
	Total       int                         `json:"total,omitempty"`
	Point       *optimization.FrontierPoint `json:"point,omitempty"`
	Gaps        []optimization.FrontierGap  `json:"gaps,omitempty"`
	Range       *optimization.ReturnRange   `json:"range,omitempty"`
	MinVariance *optimization.FrontierPoint `json:"min_variance,omitempty"`
	Error       *errorPayload               `json:"error,omitempty"`
}

// HandleFrontierStream handles GET /api/optimizer/frontier/stream. Frontier
// points are pushed over a websocket as they are solved, followed by a
// "done" or "error" message.
func (h *Handler) HandleFrontierStream(w http.ResponseWriter, r *http.Request) {
	q, errs := h.parseStreamQuery(r)
	if errs != nil {
		h.writeValidationErrors(w, r, errs)
		return
	}

	// Load and estimate before upgrading so failures get a proper status code
	query, err := h.priceQuery(q.Tickers, q.Start, q.End)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	prices, err := h.service.LoadPrices(r.Context(), h.repo, query)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	stream, err := h.service.StreamFrontier(prices, optimization.FrontierRequest{
		PointCount: q.Points,
		LongOnly:   *q.LongOnly,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer stream.Close()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to accept websocket")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	ctx := conn.CloseRead(r.Context())

	index := 0
	for stream.Next(ctx) {
		point := stream.Point()
		index++
		if err := h.sendFrame(ctx, conn, streamMessage{
			Type:  "point",
			Index: index,
			Total: stream.Total(),
			Point: &point,
		}); err != nil {
			h.log.Debug().Err(err).Msg("Frontier stream client went away")
			return
		}
	}

	if err := stream.Err(); err != nil {
		code := optimization.ErrorCode(err)
		h.log.Warn().Err(err).Str("code", code).Msg("Frontier stream failed")
		_ = h.sendFrame(ctx, conn, streamMessage{
			Type:  "error",
			Gaps:  stream.Gaps(),
			Error: &errorPayload{Code: code, Message: err.Error(), Details: errorDetails(err)},
		})
		conn.Close(websocket.StatusNormalClosure, code)
		return
	}

	rng := stream.Range()
	summary := streamMessage{
		Type:  "done",
		Total: stream.Total(),
		Gaps:  stream.Gaps(),
		Range: &rng,
	}
	if gmv := stream.MinVariance(); gmv != nil {
		summary.MinVariance = &optimization.FrontierPoint{
			ExpectedReturn: gmv.ExpectedReturn,
			Risk:           gmv.Risk,
			Weights:        gmv.Weights,
		}
	}
	if err := h.sendFrame(ctx, conn, summary); err != nil {
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Handler) sendFrame(ctx context.Context, conn *websocket.Conn, msg streamMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (h *Handler) parseStreamQuery(r *http.Request) (StreamQuery, []ValidationError) {
	values := r.URL.Query()

	var q StreamQuery
	for _, t := range strings.Split(values.Get("tickers"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			q.Tickers = append(q.Tickers, t)
		}
	}
	q.Start = values.Get("start")
	q.End = values.Get("end")

	if raw := values.Get("points"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return q, []ValidationError{{Code: "ERR_NUMBER", Field: "points", Message: "points must be an integer"}}
		}
		q.Points = n
	}
	if raw := values.Get("long_only"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return q, []ValidationError{{Code: "ERR_BOOLEAN", Field: "long_only", Message: "long_only must be a boolean"}}
		}
		q.LongOnly = &b
	}

	if errs := h.applyDefaultsAndValidate(r.Context(), &q); errs != nil {
		return q, errs
	}
	return q, nil
}
