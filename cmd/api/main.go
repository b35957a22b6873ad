package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"

	"insight-resolver/internal/config"
	"insight-resolver/internal/correction"
	"insight-resolver/internal/executor"
	"insight-resolver/internal/feedback"
	"insight-resolver/internal/issues"
	"insight-resolver/internal/modal"
	"insight-resolver/internal/notify"
	"insight-resolver/internal/playbook"
	"insight-resolver/internal/service"
)

type startReq struct {
	IssueID string `json:"issueId"`
}

type errorResp struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func main() {
	configPath := flag.String("config", "", "path to resolver.yaml")
	flag.Parse()

	cfg, err := config.NewLoader(afero.NewOsFs(), nil).Load(*configPath)
	if err != nil {
		config.DefaultConfig().Log.NewLogger(os.Stderr).Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := cfg.Log.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("api exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	backend, closeBackend, err := openBackend(cfg.Feedback)
	if err != nil {
		return err
	}
	defer closeBackend()

	store := feedback.NewStore(backend,
		feedback.WithLogger(logger),
		feedback.WithRetry(cfg.Feedback.MaxRetries, cfg.Feedback.RetryInitialInterval),
		feedback.WithMetrics(feedback.NewMetrics(reg)),
	)
	feed := issues.NewFeed(issues.SampleIssues(time.Now())...)

	opts := []service.Option{
		service.WithLogger(logger),
		service.WithStepTimeout(cfg.Executor.StepTimeout),
		service.WithScorer(playbook.NewTableScorer(playbook.CredentialRotation)),
		service.WithMetrics(executor.NewMetrics(reg)),
	}
	if cfg.NATS.URL != "" {
		pub, nc, err := notify.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			return err
		}
		defer nc.Drain()
		opts = append(opts, service.WithAttacher(pub))
		logger.Info("publishing activity to nats", "url", cfg.NATS.URL, "prefix", cfg.NATS.SubjectPrefix)
	}

	worker := playbook.NewWorker(playbook.CredentialRotation, playbook.WithDelay(cfg.Executor.StepDelay))
	svc := service.New(feed, store, worker, opts...)

	srv := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           newRouter(svc, feed, reg, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", "addr", cfg.API.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return svc.Close(shutdownCtx)
}

func openBackend(cfg config.FeedbackConfig) (feedback.Backend, func(), error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		b, err := feedback.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return b, func() { _ = b.Close() }, nil
	default:
		return feedback.NewMemoryBackend(cfg.Latency), func() {}, nil
	}
}

func newRouter(svc *service.Service, feed *issues.Feed, gatherer prometheus.Gatherer, logger *slog.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	h := &handlers{svc: svc, feed: feed, logger: logger}

	r.Get("/issues", h.listIssues)

	r.Route("/resolutions", func(r chi.Router) {
		r.Post("/", h.startResolution)
		r.Get("/", h.listResolutions)
		r.Route("/{resolutionId}", func(r chi.Router) {
			r.Get("/", h.getResolution)
			r.Get("/activity", h.getActivity)
			r.Post("/abort", h.abort)
			r.Get("/feedback", h.getFeedback)
			r.Post("/steps/{stepId}/feedback", h.submitFeedback)
		})
	})

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	registerUIRoutes(r, svc)
	return r
}

type handlers struct {
	svc    *service.Service
	feed   *issues.Feed
	logger *slog.Logger
}

func (h *handlers) listIssues(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.feed.List(r.Context()))
}

func (h *handlers) startResolution(w http.ResponseWriter, r *http.Request) {
	var req startReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IssueID == "" {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: `invalid body: {"issueId":"..."}`})
		return
	}
	res, err := h.svc.Start(r.Context(), req.IssueID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (h *handlers) listResolutions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.List())
}

func (h *handlers) getResolution(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Get(chi.URLParam(r, "resolutionId"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) getActivity(w http.ResponseWriter, r *http.Request) {
	views, err := h.svc.Activity(chi.URLParam(r, "resolutionId"), teachMode(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *handlers) abort(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Abort(chi.URLParam(r, "resolutionId")); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (h *handlers) getFeedback(w http.ResponseWriter, r *http.Request) {
	fb, err := h.svc.Feedback(r.Context(), chi.URLParam(r, "resolutionId"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fb)
}

func (h *handlers) submitFeedback(w http.ResponseWriter, r *http.Request) {
	var in service.CorrectionInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid body: " + err.Error()})
		return
	}
	step, err := h.svc.SubmitCorrection(r.Context(), chi.URLParam(r, "resolutionId"), chi.URLParam(r, "stepId"), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, step)
}

func teachMode(r *http.Request) bool {
	switch r.URL.Query().Get("teach") {
	case "1", "true", "on":
		return true
	}
	return false
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var verr *correction.ValidationError
	var perr *feedback.PersistenceError
	switch {
	case errors.Is(err, service.ErrResolutionNotFound),
		errors.Is(err, issues.ErrIssueNotFound),
		errors.Is(err, modal.ErrStepNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrIssueBusy),
		errors.Is(err, service.ErrIssueResolved),
		errors.Is(err, modal.ErrStepNotTerminal):
		return http.StatusConflict
	case errors.As(err, &verr),
		errors.Is(err, correction.ErrNothingToSave),
		errors.Is(err, feedback.ErrInvalidFeedback),
		errors.Is(err, feedback.ErrInvalidKey):
		return http.StatusUnprocessableEntity
	case errors.As(err, &perr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *handlers) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	resp := errorResp{Error: err.Error()}
	var verr *correction.ValidationError
	if errors.As(err, &verr) {
		resp.Field = verr.Field
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "status", status, "error", err)
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("encode response", "error", err.Error())
	}
}
