package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgconn"

	"rentshield/api/internal/auth"
	"rentshield/api/internal/dispute"
	"rentshield/api/internal/logging"
	"rentshield/api/internal/metrics"
	"rentshield/api/internal/search"
)

const sinkTokenHeader = "X-RentShield-Sink-Token"

type HTTPServer struct {
	service    *Service
	corsOrigin string
	metrics    *metrics.Metrics
	metricsH   http.Handler
}

func NewHTTPServer(service *Service, corsOrigin string, m *metrics.Metrics, metricsHandler http.Handler) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, metrics: m, metricsH: metricsHandler}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{s.corsOrigin},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	if s.metricsH != nil {
		r.Method(http.MethodGet, "/metrics", s.metricsH)
	}
	r.Post("/api/internal/verdicts", s.handleVerdict)

	r.Group(func(r chi.Router) {
		r.Use(s.requireActor)
		r.Post("/api/issues", s.handleCreateIssue)
		r.Get("/api/issues", s.handleListIssues)
		r.Get("/api/search", s.handleSearch)
		r.Get("/api/feed", s.handleGlobalFeed)
		r.Route("/api/issues/{issueID}", func(r chi.Router) {
			r.Get("/", s.handleGetIssue)
			r.Get("/timeline", s.handleTimeline)
			r.Get("/feed", s.handleFeed)
			r.Get("/consensus", s.handleConsensus)
			r.Post("/escalate", s.handleEscalate)
			r.Post("/withdraw", s.handleWithdraw)
			r.Post("/landlord-response", s.handleLandlordResponse)
			r.Post("/compliance", s.handleCompliance)
			r.Post("/admin-resolution", s.handleAdminResolution)
			r.Post("/evidence", s.handleAttachEvidence)
			r.Post("/evidence/uploads", s.handlePresignUpload)
			r.Post("/votes", s.handleCastVote)
		})
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleVerdict(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.Header.Get(sinkTokenHeader))
	if token == "" || s.service.SinkToken() == "" || !auth.SecretEqual(token, s.service.SinkToken()) {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	var body dispute.VerdictInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	issue, err := s.service.ReceiveVerdict(r.Context(), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"issue": issue})
}

func (s *HTTPServer) handleCreateIssue(w http.ResponseWriter, r *http.Request) {
	var body dispute.Report
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	issue, err := s.service.CreateIssue(r.Context(), actorFrom(r), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"issue": issue})
}

func (s *HTTPServer) handleListIssues(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	issues, err := s.service.ListIssues(r.Context(), actorFrom(r), query.Get("status"), limit, offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"issues": issues})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	resp, err := s.service.Search(r.Context(), actorFrom(r), search.Query{
		Text:     strings.TrimSpace(query.Get("q")),
		Status:   query.Get("status"),
		Category: query.Get("category"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleGetIssue(w http.ResponseWriter, r *http.Request) {
	detail, err := s.service.GetIssue(r.Context(), chi.URLParam(r, "issueID"), actorFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *HTTPServer) handleTimeline(w http.ResponseWriter, r *http.Request) {
	events, err := s.service.Timeline(r.Context(), chi.URLParam(r, "issueID"), actorFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *HTTPServer) handleFeed(w http.ResponseWriter, r *http.Request) {
	count, _ := strconv.ParseInt(r.URL.Query().Get("count"), 10, 64)
	entries, err := s.service.Feed(r.Context(), chi.URLParam(r, "issueID"), actorFrom(r), r.URL.Query().Get("after"), count)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *HTTPServer) handleGlobalFeed(w http.ResponseWriter, r *http.Request) {
	count, _ := strconv.ParseInt(r.URL.Query().Get("count"), 10, 64)
	entries, err := s.service.GlobalFeed(r.Context(), actorFrom(r), r.URL.Query().Get("after"), count)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *HTTPServer) handleConsensus(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.Consensus(r.Context(), chi.URLParam(r, "issueID"), actorFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type noteBody struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
	Note    string `json:"note"`
}

func (b noteBody) text() string {
	for _, value := range []string{b.Message, b.Reason, b.Note} {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// issueTransition adapts the simple transition endpoints that take an
// optional free-text note.
func (s *HTTPServer) issueTransition(op func(ctx context.Context, issueID string, actor dispute.Actor, note string) (dispute.Issue, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body noteBody
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		issue, err := op(r.Context(), chi.URLParam(r, "issueID"), actorFrom(r), body.text())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"issue": issue})
	}
}

func (s *HTTPServer) handleEscalate(w http.ResponseWriter, r *http.Request) {
	s.issueTransition(s.service.RequestEscalation)(w, r)
}

func (s *HTTPServer) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.issueTransition(s.service.Withdraw)(w, r)
}

func (s *HTTPServer) handleLandlordResponse(w http.ResponseWriter, r *http.Request) {
	s.issueTransition(s.service.RespondAsLandlord)(w, r)
}

func (s *HTTPServer) handleCompliance(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Complied *bool  `json:"complied"`
		Note     string `json:"note"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.Complied == nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "complied is required", map[string]any{"field": "complied"})
		return
	}
	issue, err := s.service.RecordCompliance(r.Context(), chi.URLParam(r, "issueID"), actorFrom(r), *body.Complied, body.Note)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"issue": issue})
}

func (s *HTTPServer) handleAdminResolution(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Decision string `json:"decision"`
		Note     string `json:"note"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	issue, err := s.service.AdminResolve(r.Context(), chi.URLParam(r, "issueID"), actorFrom(r), AdminDecision(body.Decision), body.Note)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"issue": issue})
}

func (s *HTTPServer) handleAttachEvidence(w http.ResponseWriter, r *http.Request) {
	var body dispute.NewEvidence
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	evidence, err := s.service.AttachEvidence(r.Context(), chi.URLParam(r, "issueID"), actorFrom(r), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"evidence": evidence})
}

func (s *HTTPServer) handlePresignUpload(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Filename string `json:"filename"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	upload, err := s.service.PresignUpload(r.Context(), chi.URLParam(r, "issueID"), actorFrom(r), body.Filename)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, upload)
}

func (s *HTTPServer) handleCastVote(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value     string `json:"value"`
		Vote      string `json:"vote"`
		Reasoning string `json:"reasoning"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	value := body.Value
	if value == "" {
		value = body.Vote
	}
	receipt, err := s.service.CastVote(r.Context(), chi.URLParam(r, "issueID"), actorFrom(r), value, body.Reasoning)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

type actorKey struct{}

func actorFrom(r *http.Request) dispute.Actor {
	actor, _ := r.Context().Value(actorKey{}).(dispute.Actor)
	return actor
}

func (s *HTTPServer) requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		actor, err := s.service.Authenticate(r.Context(), token)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), actorKey{}, actor)
		ctx = logging.WithAttrs(ctx, slog.String("actor_id", actor.ID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		logging.Error(r.Context(), "request failed", "error", err, "status", status)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := logging.WithAttrs(r.Context(), slog.String("request_id", requestID))
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", requestID)
		writer.Header().Set("Cache-Control", "no-store")

		next.ServeHTTP(writer, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(started)
		s.metrics.HTTPRequest(r.Method, route, writer.status, elapsed)
		logging.Info(ctx, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"route", route,
			"status", writer.status,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if transient(err) {
		return http.StatusServiceUnavailable, "SERVER_ERROR", "Store unavailable", map[string]any{"retryable": true}
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

// transient reports store failures a caller may retry with backoff.
func transient(err error) bool {
	var connectErr *pgconn.ConnectError
	return errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.As(err, &connectErr) ||
		pgconn.Timeout(err)
}
