// Package opsapi exposes the ingestion state over read-only HTTP: file
// status, recorded errors, run history, per-claim timeline and payment.
// Operators and downstream dashboards query it; nothing here mutates the
// database.
package opsapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/axonhealth/claimsink/claimsdb"
)

// Config holds the listener settings.
type Config struct {
	// ListenAddr for the HTTP server. Default ":8087".
	ListenAddr string `yaml:"listen_addr"`
	// ShutdownTimeoutMs bounds graceful shutdown. Default 5000.
	ShutdownTimeoutMs int64 `yaml:"shutdown_timeout_ms"`
}

func (c *Config) defaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8087"
	}
	if c.ShutdownTimeoutMs <= 0 {
		c.ShutdownTimeoutMs = 5000
	}
}

// Service serves the ops endpoints.
type Service struct {
	config Config
	store  *claimsdb.Store
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New creates the ops API service.
func New(cfg Config, store *claimsdb.Store, opts ...Option) *Service {
	cfg.defaults()
	s := &Service{config: cfg, store: store, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RegisterHTTP mounts the endpoints on a chi router.
func (s *Service) RegisterHTTP(r chi.Router) {
	r.Get("/healthz", s.handleHealth)
	r.Get("/v1/files/{fileID}", s.handleFile)
	r.Get("/v1/files/{fileID}/errors", s.handleFileErrors)
	r.Get("/v1/errors", s.handleErrors)
	r.Get("/v1/runs", s.handleRuns)
	r.Get("/v1/claims/{claimID}", s.handleClaim)
}

// Run serves until ctx is cancelled. Blocking.
func (s *Service) Run(ctx context.Context) error {
	r := chi.NewRouter()
	s.RegisterHTTP(r)
	srv := &http.Server{Addr: s.config.ListenAddr, Handler: r}

	errc := make(chan error, 1)
	go func() {
		s.logger.InfoContext(ctx, "ops api listening", "addr", s.config.ListenAddr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			time.Duration(s.config.ShutdownTimeoutMs)*time.Millisecond)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	// A database round trip, so the probe fails when SQLite does.
	if _, err := s.store.ToggleEnabled(r.Context(), claimsdb.ToggleAck); err != nil {
		s.logger.ErrorContext(r.Context(), "health probe failed", "error", err)
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type fileResponse struct {
	FileID          string `json:"file_id"`
	FileName        string `json:"file_name"`
	Source          string `json:"source"`
	RootType        string `json:"root_type,omitempty"`
	SenderID        string `json:"sender_id,omitempty"`
	ReceiverID      string `json:"receiver_id,omitempty"`
	TransactionDate string `json:"transaction_date,omitempty"`
	RecordCount     int    `json:"record_count"`
	Verified        bool   `json:"verified"`
	ErrorCount      int    `json:"error_count"`
	CreatedAt       string `json:"created_at"`
}

func (s *Service) handleFile(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "fileID")
	f, err := s.store.GetFileByExternalID(r.Context(), fileID)
	if err != nil {
		s.internalError(w, r, "file lookup failed", err)
		return
	}
	if f == nil {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}
	n, err := s.store.CountErrors(r.Context(), f.ID)
	if err != nil {
		s.internalError(w, r, "error count failed", err)
		return
	}
	writeJSON(w, http.StatusOK, fileResponse{
		FileID:          f.FileID,
		FileName:        f.FileName,
		Source:          f.Source,
		RootType:        f.RootType,
		SenderID:        f.SenderID,
		ReceiverID:      f.ReceiverID,
		TransactionDate: f.TransactionDate,
		RecordCount:     f.RecordCount,
		Verified:        f.Verified,
		ErrorCount:      n,
		CreatedAt:       f.CreatedAt,
	})
}

type errorResponse struct {
	ID         string `json:"id"`
	Stage      string `json:"stage"`
	ObjectType string `json:"object_type"`
	ObjectKey  string `json:"object_key"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
	CreatedAt  string `json:"created_at"`
}

func (s *Service) handleFileErrors(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "fileID")
	f, err := s.store.GetFileByExternalID(r.Context(), fileID)
	if err != nil {
		s.internalError(w, r, "file lookup failed", err)
		return
	}
	if f == nil {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}
	errs, err := s.store.ListErrors(r.Context(), claimsdb.ErrorFilter{FileRowID: f.ID})
	if err != nil {
		s.internalError(w, r, "error list failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toErrorResponses(errs))
}

func (s *Service) handleErrors(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	errs, err := s.store.ListErrors(r.Context(), claimsdb.ErrorFilter{
		Stage: q.Get("stage"),
		Code:  q.Get("code"),
		Limit: limit,
	})
	if err != nil {
		s.internalError(w, r, "error list failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toErrorResponses(errs))
}

type runResponse struct {
	ID              string `json:"id"`
	IngestionFileID int64  `json:"ingestion_file_id"`
	Source          string `json:"source"`
	StartedAt       string `json:"started_at"`
	FinishedAt      string `json:"finished_at,omitempty"`
	ClaimsParsed    int    `json:"claims_parsed"`
	ClaimsPersisted int    `json:"claims_persisted"`
	ClaimsSkipped   int    `json:"claims_skipped"`
	Errors          int    `json:"errors"`
	VerifyOK        bool   `json:"verify_ok"`
}

func (s *Service) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		s.internalError(w, r, "run list failed", err)
		return
	}
	out := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, runResponse{
			ID:              run.ID,
			IngestionFileID: run.IngestionFileID,
			Source:          run.Source,
			StartedAt:       run.StartedAt,
			FinishedAt:      run.FinishedAt,
			ClaimsParsed:    run.ClaimsParsed,
			ClaimsPersisted: run.ClaimsPersisted,
			ClaimsSkipped:   run.ClaimsSkipped,
			Errors:          run.Errors,
			VerifyOK:        run.VerifyOK,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type timelineResponse struct {
	Status     string `json:"status"`
	StatusTime string `json:"status_time"`
}

type claimResponse struct {
	ClaimID  string             `json:"claim_id"`
	Timeline []timelineResponse `json:"timeline"`
	Payment  *paymentResponse   `json:"payment,omitempty"`
}

type paymentResponse struct {
	SubmittedAmount     float64 `json:"submitted_amount"`
	PaidAmount          float64 `json:"paid_amount"`
	RejectedAmount      float64 `json:"rejected_amount"`
	DeniedActivityCount int     `json:"denied_activity_count"`
	ActivityCount       int     `json:"activity_count"`
	PaymentStatus       string  `json:"payment_status,omitempty"`
	ProcessingCycles    int     `json:"processing_cycles"`
	SettlementReference string  `json:"settlement_reference,omitempty"`
	DateSettlement      string  `json:"date_settlement,omitempty"`
	FirstRemittanceAt   string  `json:"first_remittance_at,omitempty"`
	LastRemittanceAt    string  `json:"last_remittance_at,omitempty"`
}

func (s *Service) handleClaim(w http.ResponseWriter, r *http.Request) {
	claimID := chi.URLParam(r, "claimID")
	tl, err := s.store.Timeline(r.Context(), claimID)
	if err != nil {
		s.internalError(w, r, "timeline lookup failed", err)
		return
	}
	if len(tl) == 0 {
		http.Error(w, "claim not found", http.StatusNotFound)
		return
	}
	resp := claimResponse{ClaimID: claimID}
	for _, e := range tl {
		resp.Timeline = append(resp.Timeline, timelineResponse{
			Status:     claimsdb.StatusName(e.Status),
			StatusTime: e.StatusTime,
		})
	}
	p, err := s.store.GetClaimPayment(r.Context(), claimID)
	if err != nil {
		s.internalError(w, r, "payment lookup failed", err)
		return
	}
	if p != nil {
		pr := &paymentResponse{
			SubmittedAmount:     p.SubmittedAmount,
			PaidAmount:          p.PaidAmount,
			RejectedAmount:      p.RejectedAmount,
			DeniedActivityCount: p.DeniedActivityCount,
			ActivityCount:       p.ActivityCount,
			ProcessingCycles:    p.ProcessingCycles,
			SettlementReference: p.SettlementReference,
			DateSettlement:      p.DateSettlement,
			FirstRemittanceAt:   p.FirstRemittanceAt,
			LastRemittanceAt:    p.LastRemittanceAt,
		}
		if p.PaymentStatus != 0 {
			pr.PaymentStatus = claimsdb.StatusName(p.PaymentStatus)
		}
		resp.Payment = pr
	}
	writeJSON(w, http.StatusOK, resp)
}

func toErrorResponses(errs []*claimsdb.IngestionError) []errorResponse {
	out := make([]errorResponse, 0, len(errs))
	for _, e := range errs {
		out = append(out, errorResponse{
			ID:         e.ID,
			Stage:      e.Stage,
			ObjectType: e.ObjectType,
			ObjectKey:  e.ObjectKey,
			Code:       e.Code,
			Message:    e.Message,
			Retryable:  e.Retryable,
			CreatedAt:  e.CreatedAt,
		})
	}
	return out
}

func (s *Service) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	s.logger.ErrorContext(r.Context(), msg, "error", err)
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
