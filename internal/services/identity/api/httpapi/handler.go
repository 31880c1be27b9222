// Package httpapi exposes the minimal caller contract of the identity service
// over HTTP: command submission, ticket polling and projection reads.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/louisbranch/identity.space/internal/platform/errors"
	"github.com/louisbranch/identity.space/internal/platform/requestctx"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/assignment"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/ident"
	"github.com/louisbranch/identity.space/internal/services/identity/domain/ticket"
	"github.com/louisbranch/identity.space/internal/services/identity/projection/firstlevel"
	"github.com/louisbranch/identity.space/internal/services/identity/saga"
	"github.com/louisbranch/identity.space/internal/services/identity/storage"
)

const (
	headerInitiator     = "X-Initiator"
	headerCorrelationID = "X-Correlation-ID"

	defaultListLimit = 50
	maxListLimit     = 500
	maxBodyBytes     = 1 << 20
)

// Commands submits commands and reads their tickets.
type Commands interface {
	Submit(ctx context.Context, cmd saga.Command) (string, error)
	GetTicket(ctx context.Context, id string) (ticket.Ticket, error)
	ListTickets(ctx context.Context, filter ticket.Filter, limit int) ([]ticket.Ticket, error)
}

// Traversals answers membership walks and settings reads on the first-level
// graph.
type Traversals interface {
	TraverseAssignments(ctx context.Context, profileID string, at *time.Time) (firstlevel.Traversal, error)
	ClientSettings(ctx context.Context, profileID string) (map[string]map[string]string, error)
}

// Handler routes the identity HTTP API.
type Handler struct {
	commands   Commands
	traversals Traversals
	documents  storage.DocumentReader
	mux        *http.ServeMux
}

// NewHandler builds the API. traversals and documents may be nil, in which
// case their routes answer 404.
func NewHandler(commands Commands, traversals Traversals, documents storage.DocumentReader) *Handler {
	h := &Handler{
		commands:   commands,
		traversals: traversals,
		documents:  documents,
		mux:        http.NewServeMux(),
	}
	h.mux.HandleFunc("GET /up", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h.mux.HandleFunc("POST /v1/commands", h.submitCommand)
	h.mux.HandleFunc("GET /v1/tickets", h.listTickets)
	h.mux.HandleFunc("GET /v1/tickets/{id}", h.getTicket)
	if traversals != nil {
		h.mux.HandleFunc("GET /v1/profiles/{id}/assignments", h.traverse)
		h.mux.HandleFunc("GET /v1/profiles/{id}/settings", h.clientSettings)
	}
	if documents != nil {
		h.mux.HandleFunc("GET /v1/documents", h.listDocuments)
		h.mux.HandleFunc("GET /v1/documents/{id}", h.getDocument)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if initiator := strings.TrimSpace(r.Header.Get(headerInitiator)); initiator != "" {
		ctx = requestctx.WithInitiator(ctx, initiator)
	}
	if correlationID := strings.TrimSpace(r.Header.Get(headerCorrelationID)); correlationID != "" {
		ctx = requestctx.WithCorrelationID(ctx, correlationID)
	}
	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

type submitResponse struct {
	TicketID string `json:"ticket_id"`
	Location string `json:"location"`
}

func (h *Handler) submitCommand(w http.ResponseWriter, r *http.Request) {
	var cmd saga.Command
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeProblem(w, r, apperrors.Wrap(apperrors.CodeInvalidArgument, "read request body", err))
		return
	}
	if err := json.Unmarshal(body, &cmd); err != nil {
		writeProblem(w, r, apperrors.Wrap(apperrors.CodeInvalidArgument, "decode command", err))
		return
	}
	if cmd.CorrelationID == "" {
		cmd.CorrelationID = requestctx.CorrelationIDFromContext(r.Context())
	}
	if cmd.Initiator == "" {
		cmd.Initiator = requestctx.InitiatorFromContext(r.Context())
	}
	id, err := h.commands.Submit(r.Context(), cmd)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	location := "/v1/tickets/" + id
	w.Header().Set("Location", location)
	writeJSON(w, http.StatusAccepted, submitResponse{TicketID: id, Location: location})
}

type ticketResponse struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	Status        ticket.Status          `json:"status"`
	Initiator     string                 `json:"initiator,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	BatchID       string                 `json:"batch_id,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	FinishedAt    *time.Time             `json:"finished_at,omitempty"`
	Error         *ticket.ProblemDetails `json:"error,omitempty"`
}

func toTicketResponse(t ticket.Ticket) ticketResponse {
	return ticketResponse{
		ID:            t.ID,
		Type:          t.Type,
		Status:        t.Status,
		Initiator:     t.Initiator,
		CorrelationID: t.CorrelationID,
		BatchID:       t.BatchID,
		CreatedAt:     t.CreatedAt,
		FinishedAt:    t.FinishedAt,
		Error:         t.Error,
	}
}

func (h *Handler) getTicket(w http.ResponseWriter, r *http.Request) {
	t, err := h.commands.GetTicket(r.Context(), r.PathValue("id"))
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTicketResponse(t))
}

func (h *Handler) listTickets(w http.ResponseWriter, r *http.Request) {
	filter, err := ticket.ParseFilter(r.URL.Query().Get("filter"))
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	tickets, err := h.commands.ListTickets(r.Context(), filter, limit)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	out := make([]ticketResponse, 0, len(tickets))
	for _, t := range tickets {
		out = append(out, toTicketResponse(t))
	}
	writeJSON(w, http.StatusOK, out)
}

type reachableResponse struct {
	Container  ident.ObjectIdent           `json:"container"`
	Name       string                      `json:"name,omitempty"`
	Path       []ident.ObjectIdent         `json:"path"`
	Conditions []assignment.RangeCondition `json:"conditions,omitempty"`
}

type traversalResponse struct {
	Start            ident.ObjectIdent   `json:"start"`
	StartVertexKnown bool                `json:"start_vertex_known"`
	Assignments      []reachableResponse `json:"assignments"`
}

func (h *Handler) traverse(w http.ResponseWriter, r *http.Request) {
	var at *time.Time
	if raw := strings.TrimSpace(r.URL.Query().Get("at")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeProblem(w, r, apperrors.WithMetadata(apperrors.CodeInvalidArgument, "at must be an RFC 3339 timestamp", map[string]string{"at": raw}))
			return
		}
		at = &parsed
	}
	result, err := h.traversals.TraverseAssignments(r.Context(), r.PathValue("id"), at)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	resp := traversalResponse{
		Start:            result.Start,
		StartVertexKnown: result.StartVertexKnown,
		Assignments:      make([]reachableResponse, 0, len(result.Assignments)),
	}
	for _, reach := range result.Assignments {
		resp.Assignments = append(resp.Assignments, reachableResponse(reach))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) clientSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.traversals.ClientSettings(r.Context(), r.PathValue("id"))
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (h *Handler) getDocument(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	doc, ok, err := h.documents.GetDocument(r.Context(), id)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	if !ok {
		writeProblem(w, r, apperrors.WithMetadata(apperrors.CodeNotFound, "document not found", map[string]string{"id": id}))
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *Handler) listDocuments(w http.ResponseWriter, r *http.Request) {
	var typ ident.Type
	if raw := strings.TrimSpace(r.URL.Query().Get("type")); raw != "" {
		parsed, err := ident.ParseType(raw)
		if err != nil {
			writeProblem(w, r, err)
			return
		}
		typ = parsed
	}
	limit, err := parseLimit(r)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	docs, err := h.documents.ListDocuments(r.Context(), typ, limit)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	if docs == nil {
		docs = []storage.ProfileDocument{}
	}
	writeJSON(w, http.StatusOK, docs)
}

func parseLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, apperrors.WithMetadata(apperrors.CodeInvalidArgument, "limit must be a positive integer", map[string]string{"limit": raw})
	}
	return min(limit, maxListLimit), nil
}

func writeProblem(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, saga.ErrStopped) {
		err = apperrors.Wrap(apperrors.CodeStorageUnavailable, "service is shutting down", err)
	}
	problem := ticket.ProblemFromError(err, r.URL.Path, "")
	problem.Exception = nil
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
