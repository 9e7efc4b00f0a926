// Package gateway exposes the payment dashboard's HTTP API: escrow
// actions, the filtered escrow list, and operational endpoints.
package gateway

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/tomassalina/koopay/actions"
	"github.com/tomassalina/koopay/escrow"
	"github.com/tomassalina/koopay/gateway/auth"
	"github.com/tomassalina/koopay/pipeline"
	"github.com/tomassalina/koopay/projects"
	"github.com/tomassalina/koopay/query"
)

// HeaderIdempotencyKey lets clients replay mutating requests safely.
const HeaderIdempotencyKey = "Idempotency-Key"

type principalKey struct{}

// Server hosts the dashboard API.
type Server struct {
	svc      *actions.Service
	queries  *query.Engine
	auth     *Authenticators
	store    *SQLiteStore
	projects *projects.Store
	webhooks *WebhookQueue
	metrics  *Metrics
	limiter  *RateLimiter
	logger   *slog.Logger
	router   chi.Router
}

// Authenticators bundles the two supported credential schemes. Either may
// be nil; a request must satisfy at least one configured scheme.
type Authenticators struct {
	APIKeys  *auth.Authenticator
	Sessions *auth.SessionIssuer
}

// ServerConfig carries the server's collaborators.
type ServerConfig struct {
	Actions  *actions.Service
	Queries  *query.Engine
	Auth     *Authenticators
	Store    *SQLiteStore
	Projects *projects.Store
	Webhooks *WebhookQueue
	Limits   map[string]RateLimit
	Logger   *slog.Logger
}

// NewServer wires the router. Actions, Queries and Store are required.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Actions == nil {
		return nil, errors.New("gateway: actions service required")
	}
	if cfg.Queries == nil {
		return nil, errors.New("gateway: query engine required")
	}
	if cfg.Store == nil {
		return nil, errors.New("gateway: storage required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:      cfg.Actions,
		queries:  cfg.Queries,
		auth:     cfg.Auth,
		store:    cfg.Store,
		projects: cfg.Projects,
		webhooks: cfg.Webhooks,
		metrics:  NewMetrics(""),
		limiter:  NewRateLimiter(cfg.Limits),
		logger:   logger,
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger(s.logger))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.metrics.Middleware("escrow"))
		r.Use(s.limiter.Middleware("escrow"))
		r.Use(s.authenticate)

		r.Get("/escrow", s.handleCurrent)
		r.Get("/escrow/balance", s.handleBalance)
		r.Get("/escrows", s.handleList)
		r.Get("/webhooks/pending", s.handlePendingWebhooks)
		r.Post("/projects", s.handleCreateProject)
		r.Get("/projects/{engagementId}", s.handleGetProject)

		r.Group(func(r chi.Router) {
			r.Use(s.idempotency)
			r.Post("/escrow", s.handleDeploy)
			r.Patch("/escrow", s.handleUpdate)
			r.Post("/escrow/fund", s.handleFund)
			r.Post("/escrow/milestones/{index}/status", s.handleMilestoneStatus)
			r.Post("/escrow/milestones/{index}/approve", s.handleApprove)
			r.Post("/escrow/dispute", s.handleDispute)
			r.Post("/escrow/release", s.handleRelease)
			r.Post("/escrow/resolve", s.handleResolve)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authenticate accepts either an HMAC-signed API request or a dashboard
// bearer token. The resolved principal is stored on the context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil {
			next.ServeHTTP(w, r)
			return
		}
		body, err := readBody(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
		if bearer := bearerToken(r); bearer != "" && s.auth.Sessions != nil {
			address, err := s.auth.Sessions.Verify(bearer)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid session token")
				return
			}
			ctx := context.WithValue(r.Context(), principalKey{}, &auth.Principal{Address: address})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		if s.auth.APIKeys == nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing credentials")
			return
		}
		principal, err := s.auth.APIKeys.Authenticate(r, body)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// idempotency replays cached responses for repeated Idempotency-Key
// headers, keyed per API key and request hash.
func (s *Server) idempotency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		body, err := readBody(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
		sum := sha256.Sum256(body)
		hash := hex.EncodeToString(sum[:])
		caller := callerID(r)
		cached, err := s.store.LookupIdempotency(r.Context(), caller, key, hash)
		if errors.Is(err, ErrIdempotencyMismatch) {
			writeError(w, http.StatusConflict, "IDEMPOTENCY_MISMATCH", err.Error())
			return
		}
		if err != nil {
			s.logger.Error("idempotency lookup failed", slog.Any("error", err))
		}
		if cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(cached.Status)
			_, _ = w.Write(cached.Body)
			return
		}
		recorder := newBodyRecorder(w)
		next.ServeHTTP(recorder, r)
		if err := s.store.SaveIdempotency(r.Context(), caller, key, hash, recorder.status, recorder.body.Bytes()); err != nil {
			s.logger.Error("idempotency save failed", slog.Any("error", err))
		}
	})
}

func (s *Server) audit(r *http.Request, action string, contractID string, status int) {
	entry := AuditEntry{
		Actor:      actorFrom(r),
		Method:     r.Method,
		Path:       r.URL.Path,
		Action:     action,
		ContractID: contractID,
		Status:     status,
		Timestamp:  time.Now().UTC(),
	}
	if err := s.store.InsertAuditLog(r.Context(), entry); err != nil {
		s.logger.Error("audit insert failed", slog.Any("error", err))
	}
}

type deployRequest struct {
	Escrow *escrow.Escrow `json:"escrow"`
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if !decodeInto(w, r, &req) {
		return
	}
	if req.Escrow == nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "escrow draft required")
		return
	}
	esc, err := s.svc.Deploy(r.Context(), req.Escrow, actorFrom(r))
	if err != nil {
		s.writeActionError(w, r, "deploy", err)
		return
	}
	s.audit(r, "deploy", esc.ContractID, http.StatusCreated)
	writeJSON(w, http.StatusCreated, esc)
}

type updateRequest struct {
	Title          *string             `json:"title,omitempty"`
	Description    *string             `json:"description,omitempty"`
	Roles          *escrow.Roles       `json:"roles,omitempty"`
	Milestones     []*escrow.Milestone `json:"milestones,omitempty"`
	PlatformFeeBps *uint32             `json:"platformFeeBps,omitempty"`
	Amount         *string             `json:"amount,omitempty"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if !decodeInto(w, r, &req) {
		return
	}
	patch := escrow.UpdatePatch{
		Title:          req.Title,
		Description:    req.Description,
		Roles:          req.Roles,
		Milestones:     req.Milestones,
		PlatformFeeBps: req.PlatformFeeBps,
	}
	if req.Amount != nil {
		amount, ok := parseBigInt(*req.Amount)
		if !ok {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid amount")
			return
		}
		patch.Amount = amount
	}
	esc, err := s.svc.Update(r.Context(), actorFrom(r), patch)
	if err != nil {
		s.writeActionError(w, r, "update", err)
		return
	}
	s.audit(r, "update", esc.ContractID, http.StatusOK)
	writeJSON(w, http.StatusOK, esc)
}

type fundRequest struct {
	Amount string `json:"amount"`
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	var req fundRequest
	if !decodeInto(w, r, &req) {
		return
	}
	esc, err := s.svc.Fund(r.Context(), actorFrom(r), req.Amount)
	if err != nil {
		s.writeActionError(w, r, "fund", err)
		return
	}
	s.audit(r, "fund", esc.ContractID, http.StatusOK)
	writeJSON(w, http.StatusOK, esc)
}

type statusRequest struct {
	Status   string `json:"status"`
	Evidence string `json:"evidence,omitempty"`
}

func (s *Server) handleMilestoneStatus(w http.ResponseWriter, r *http.Request) {
	index, ok := milestoneIndex(w, r)
	if !ok {
		return
	}
	var req statusRequest
	if !decodeInto(w, r, &req) {
		return
	}
	esc, err := s.svc.ChangeMilestoneStatus(r.Context(), actorFrom(r), index, req.Status, req.Evidence)
	if err != nil {
		s.writeActionError(w, r, "change-milestone-status", err)
		return
	}
	s.audit(r, "change-milestone-status", esc.ContractID, http.StatusOK)
	writeJSON(w, http.StatusOK, esc)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	index, ok := milestoneIndex(w, r)
	if !ok {
		return
	}
	esc, err := s.svc.ApproveMilestone(r.Context(), actorFrom(r), index)
	if err != nil {
		s.writeActionError(w, r, "approve-milestone", err)
		return
	}
	s.audit(r, "approve-milestone", esc.ContractID, http.StatusOK)
	writeJSON(w, http.StatusOK, esc)
}

type indexRequest struct {
	MilestoneIndex *int `json:"milestoneIndex,omitempty"`
}

func (rq indexRequest) index() int {
	if rq.MilestoneIndex == nil {
		return -1
	}
	return *rq.MilestoneIndex
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	var req indexRequest
	if !decodeInto(w, r, &req) {
		return
	}
	esc, err := s.svc.StartDispute(r.Context(), actorFrom(r), req.index())
	if err != nil {
		s.writeActionError(w, r, "start-dispute", err)
		return
	}
	s.audit(r, "start-dispute", esc.ContractID, http.StatusOK)
	writeJSON(w, http.StatusOK, esc)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req indexRequest
	if !decodeInto(w, r, &req) {
		return
	}
	dist, err := s.svc.ReleaseFunds(r.Context(), actorFrom(r), req.index())
	if err != nil {
		s.writeActionError(w, r, "release-funds", err)
		return
	}
	s.audit(r, "release-funds", "", http.StatusOK)
	writeJSON(w, http.StatusOK, map[string]string{
		"receiverAmount":    dist.ReceiverAmount.String(),
		"platformFeeAmount": dist.PlatformFeeAmount.String(),
		"protocolFeeAmount": dist.ProtocolFeeAmount.String(),
	})
}

type resolveRequest struct {
	MilestoneIndex *int   `json:"milestoneIndex,omitempty"`
	ApproverFunds  string `json:"approverFunds"`
	ReceiverFunds  string `json:"receiverFunds"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !decodeInto(w, r, &req) {
		return
	}
	index := -1
	if req.MilestoneIndex != nil {
		index = *req.MilestoneIndex
	}
	esc, err := s.svc.ResolveDispute(r.Context(), actorFrom(r), index, req.ApproverFunds, req.ReceiverFunds)
	if err != nil {
		s.writeActionError(w, r, "resolve-dispute", err)
		return
	}
	s.audit(r, "resolve-dispute", esc.ContractID, http.StatusOK)
	writeJSON(w, http.StatusOK, esc)
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	esc, err := s.svc.Current()
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

func (s *Server) handlePendingWebhooks(w http.ResponseWriter, r *http.Request) {
	if s.webhooks == nil {
		writeJSON(w, http.StatusOK, []WebhookEvent{})
		return
	}
	writeJSON(w, http.StatusOK, s.webhooks.Pending())
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.svc.Balance()
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"balance": balance.String()})
}

// handleList drives the query engine from the request's query string and
// returns the current page with a lookahead flag. When a projects store is
// configured each record carries its bookkeeping row.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	// Each request gets its own engine bound to the caller, so a viewer only
	// ever sees their own escrows and concurrent requests cannot interleave
	// filter state.
	eng := s.queries.ForViewer(actorFrom(r))
	eng.RestoreURL(r.URL.RawQuery)
	page, err := eng.Fetch(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "QUERY_FAILED", err.Error())
		return
	}
	payload := map[string]interface{}{
		"records": page.Records,
		"hasNext": page.HasNext,
		"params":  eng.Params().Values(),
	}
	if s.projects != nil {
		enriched, err := s.projects.Enrich(page.Records)
		if err != nil {
			s.logger.Error("project enrichment failed", slog.Any("error", err))
		} else {
			payload["records"] = enriched
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	if s.projects == nil {
		writeError(w, http.StatusNotImplemented, "NOT_CONFIGURED", "projects store not configured")
		return
	}
	var project projects.Project
	if !decodeInto(w, r, &project) {
		return
	}
	if err := s.projects.Create(&project); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	if s.projects == nil {
		writeError(w, http.StatusNotImplemented, "NOT_CONFIGURED", "projects store not configured")
		return
	}
	project, err := s.projects.ByEngagement(chi.URLParam(r, "engagementId"))
	if errors.Is(err, projects.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, project)
}

// writeActionError maps the pipeline taxonomy and engine sentinels onto
// HTTP statuses.
func (s *Server) writeActionError(w http.ResponseWriter, r *http.Request, action string, err error) {
	s.audit(r, action, "", statusForError(err))
	code := string(pipeline.ClassifyKind(err))
	switch {
	case errors.Is(err, actions.ErrBusy):
		code = "BUSY"
	case errors.Is(err, escrow.ErrUnauthorized):
		code = "UNAUTHORIZED"
	}
	writeError(w, statusForError(err), code, err.Error())
}

func statusForError(err error) int {
	var perr *pipeline.Error
	switch {
	case errors.Is(err, actions.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrUnauthorized):
		return http.StatusForbidden
	case errors.As(err, &perr):
		switch perr.Kind {
		case pipeline.KindConfiguration, pipeline.KindValidation:
			return http.StatusUnprocessableEntity
		case pipeline.KindBuild, pipeline.KindSubmission:
			return http.StatusBadGateway
		case pipeline.KindSigning:
			return http.StatusBadRequest
		}
	}
	return http.StatusInternalServerError
}

func milestoneIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := chi.URLParam(r, "index")
	index, err := strconv.Atoi(raw)
	if err != nil || index < 0 {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid milestone index")
		return 0, false
	}
	return index, true
}

func actorFrom(r *http.Request) string {
	if principal, ok := r.Context().Value(principalKey{}).(*auth.Principal); ok {
		return principal.Address
	}
	return ""
}

func callerID(r *http.Request) string {
	if principal, ok := r.Context().Value(principalKey{}).(*auth.Principal); ok {
		if principal.APIKey != "" {
			return principal.APIKey
		}
		return principal.Address
	}
	return "anonymous"
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(header[len("Bearer "):])
	}
	return ""
}

// readBody reads and restores the request body so later handlers can
// decode it again.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, auth.MaxBodyForSignature+1))
	if err != nil {
		return nil, err
	}
	r.Body.Close()
	r.Body = io.NopCloser(strings.NewReader(string(body)))
	return body, nil
}

func decodeInto(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "error": message})
}

func parseBigInt(s string) (*big.Int, bool) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}

// bodyRecorder captures the response so the idempotency layer can cache it.
type bodyRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func newBodyRecorder(w http.ResponseWriter) *bodyRecorder {
	return &bodyRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (b *bodyRecorder) WriteHeader(code int) {
	b.status = code
	b.ResponseWriter.WriteHeader(code)
}

func (b *bodyRecorder) Write(p []byte) (int, error) {
	b.body.Write(p)
	return b.ResponseWriter.Write(p)
}
