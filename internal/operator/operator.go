/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package operator is the outer edge of the queue control plane: an HTTP
// control API and an optional NATS subject subscription, both normalizing
// whatever they receive into queue.ApiMessage values delivered to a single
// sink channel (the channel returned by director.Director.Messages()).
// Neither ingress touches the queue or the director directly - they only
// translate and forward.
package operator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/grimnircore/radio/internal/queue"
	"github.com/grimnircore/radio/internal/telemetry"
)

// Sink is the destination operator commands are normalized onto. It is
// satisfied by the channel returned from director.Director.Messages().
type Sink chan<- queue.ApiMessage

// API is the HTTP control surface for the queue: push/pop/clear/skip.
type API struct {
	sink   Sink
	logger zerolog.Logger
}

// NewAPI builds the HTTP control API, forwarding decoded requests to sink.
func NewAPI(sink Sink, logger zerolog.Logger) *API {
	return &API{sink: sink, logger: logger.With().Str("component", "operator.API").Logger()}
}

// Routes mounts the control endpoints under r.
func (a *API) Routes(r chi.Router) {
	r.Route("/api/v1/queue", func(r chi.Router) {
		r.Get("/", a.handleSnapshot)
		r.Post("/push", a.handlePush)
		r.Post("/pop", a.handlePop)
		r.Post("/clear", a.handleClear)
		r.Post("/skip", a.handleSkip)
	})
}

type pushRequest struct {
	Path     string         `json:"path"`
	Position queue.Position `json:"position"`
}

type popRequest struct {
	Position queue.Position `json:"position"`
}

func (a *API) handlePush(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path_required")
		return
	}
	msg := queue.ApiMessage{Kind: queue.MsgInsert, Pos: req.Position, Entry: queue.Entry{Path: req.Path}}
	if !a.forward(r.Context(), w, msg) {
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (a *API) handlePop(w http.ResponseWriter, r *http.Request) {
	var req popRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body")
			return
		}
	}
	msg := queue.ApiMessage{Kind: queue.MsgRemove, Pos: req.Position}
	if !a.forward(r.Context(), w, msg) {
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (a *API) handleClear(w http.ResponseWriter, r *http.Request) {
	if !a.forward(r.Context(), w, queue.ApiMessage{Kind: queue.MsgClear}) {
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (a *API) handleSkip(w http.ResponseWriter, r *http.Request) {
	if !a.forward(r.Context(), w, queue.ApiMessage{Kind: queue.MsgSkip}) {
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// handleSnapshot is intentionally absent a queue reference: operator has no
// direct handle on queue.Queue, only the director's message sink. A future
// read-only status endpoint belongs behind the director, not here.
func (a *API) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// forward sends msg to the sink, honoring request cancellation and a short
// deadline so a stalled director never hangs an HTTP request indefinitely.
func (a *API) forward(ctx context.Context, w http.ResponseWriter, msg queue.ApiMessage) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	select {
	case a.sink <- msg:
		telemetry.OperatorCommandsTotal.WithLabelValues("http", "forwarded").Inc()
		return true
	case <-ctx.Done():
		a.logger.Warn().Msg("timed out forwarding operator command to director")
		telemetry.OperatorCommandsTotal.WithLabelValues("http", "timeout").Inc()
		writeError(w, http.StatusServiceUnavailable, "director_busy")
		return false
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

// NATSIngress subscribes to a single subject and forwards each decoded
// message to sink. Unlike the event bus used elsewhere in the station, this
// is a plain subscription with no JetStream durability: a dropped operator
// command while nothing is connected is an acceptable loss, not an incident.
type NATSIngress struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	sink    Sink
	logger  zerolog.Logger
	subject string
}

// NewNATSIngress connects to url and subscribes to subject, forwarding
// decoded queue.ApiMessage payloads to sink until Close is called.
func NewNATSIngress(url, subject string, sink Sink, logger zerolog.Logger) (*NATSIngress, error) {
	if url == "" {
		return nil, errors.New("operator: nats url is empty")
	}
	logger = logger.With().Str("component", "operator.NATSIngress").Logger()
	conn, err := nats.Connect(url, nats.Name("grimnircore-operator"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, err
	}
	ing := &NATSIngress{conn: conn, sink: sink, logger: logger, subject: subject}
	sub, err := conn.Subscribe(subject, ing.handle)
	if err != nil {
		conn.Close()
		return nil, err
	}
	ing.sub = sub
	logger.Info().Str("subject", subject).Msg("subscribed to operator command subject")
	return ing, nil
}

func (n *NATSIngress) handle(msg *nats.Msg) {
	var payload queue.ApiMessage
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		n.logger.Warn().Err(err).Msg("discarding malformed operator command")
		telemetry.OperatorCommandsTotal.WithLabelValues("nats", "rejected").Inc()
		return
	}
	select {
	case n.sink <- payload:
		telemetry.OperatorCommandsTotal.WithLabelValues("nats", "forwarded").Inc()
	case <-time.After(2 * time.Second):
		n.logger.Warn().Msg("timed out forwarding nats operator command to director")
		telemetry.OperatorCommandsTotal.WithLabelValues("nats", "timeout").Inc()
	}
}

// Close unsubscribes and closes the NATS connection.
func (n *NATSIngress) Close() {
	if n.sub != nil {
		_ = n.sub.Unsubscribe()
	}
	if n.conn != nil {
		n.conn.Close()
	}
}
