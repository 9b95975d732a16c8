package spindle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/go-chi/chi/v5"
	"tangled.sh/tangled.sh/loom/log"
	"tangled.sh/tangled.sh/loom/notifier"
	"tangled.sh/tangled.sh/loom/spindle/config"
	"tangled.sh/tangled.sh/loom/spindle/db"
	"tangled.sh/tangled.sh/loom/spindle/engine"
	"tangled.sh/tangled.sh/loom/spindle/models"
	"tangled.sh/tangled.sh/loom/spindle/queue"
	"tangled.sh/tangled.sh/loom/telemetry"
	"tangled.sh/tangled.sh/loom/workflow"
)

const (
	queueWorkers    = 2
	shutdownTimeout = 10 * time.Second
)

type Spindle struct {
	db   *db.DB
	l    *slog.Logger
	n    *notifier.Notifier
	eng  *engine.Engine
	jq   *queue.Queue
	cfg  *config.Config
	defs *definitions
	tel  *telemetry.Telemetry

	// runs outlive the request that triggered them
	ctx context.Context
}

// New wires a server around an open database. The queue is not started.
func New(ctx context.Context, cfg *config.Config, d *db.DB, backend models.Engine) (*Spindle, error) {
	logger := log.FromContext(ctx)

	n := notifier.New()
	eng := engine.New(ctx, cfg, backend, NewRegistry(cfg), d, &n)

	defs, err := newDefinitions(cfg.Server.WorkflowsDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to setup definition cache: %w", err)
	}

	return &Spindle{
		db:   d,
		l:    logger,
		n:    &n,
		eng:  eng,
		jq:   queue.NewQueue(cfg.Server.QueueSize, queueWorkers),
		cfg:  cfg,
		defs: defs,
		ctx:  ctx,
	}, nil
}

// Run serves until ctx is done, then waits for queued runs.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := log.FromContext(ctx)

	tel, err := telemetry.New(ctx, "loom", versioninfo.Short(), cfg.Telemetry.Exporter, cfg.Telemetry.Endpoint)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed to flush telemetry", "error", err)
		}
	}()

	d, err := db.Make(cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("failed to setup db: %w", err)
	}
	defer d.Close()

	backend, err := NewBackend(ctx, cfg)
	if err != nil {
		return err
	}

	spindle, err := New(ctx, cfg, d, backend)
	if err != nil {
		return err
	}
	spindle.tel = tel

	stale, err := d.CancelStaleRuns(spindle.n)
	if err != nil {
		return fmt.Errorf("failed to cancel stale runs: %w", err)
	}
	if stale > 0 {
		logger.Warn("cancelled runs left over from a previous process", "count", stale)
	}

	// starts the job queue runners in the background
	spindle.jq.Start()
	defer spindle.jq.Stop()

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: spindle.Router(),
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Error("failed to shut down server", "error", err)
		}
	}()

	logger.Info("starting loom server", "address", cfg.Server.ListenAddr, "engine", cfg.Pipelines.Engine)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

func (s *Spindle) Router() http.Handler {
	mux := chi.NewRouter()
	mux.Use(s.RequestLogger)
	if s.tel != nil {
		mux.Use(s.tel.RequestInFlight(), s.tel.RequestDuration())
	}

	mux.Post("/trigger", s.Trigger)
	mux.Get("/runs", s.Runs)
	mux.Get("/runs/{id}", s.GetRun)
	mux.HandleFunc("/events", s.Events)
	mux.HandleFunc("/logs/{run}/{job}", s.Logs)

	if s.tel != nil {
		return s.tel.Traced(mux)
	}
	return mux
}

type queuedRun struct {
	Id       models.RunId `json:"id"`
	Workflow string       `json:"workflow"`
}

type triggerResponse struct {
	Runs    []queuedRun `json:"runs"`
	Skipped []string    `json:"skipped"`
	Error   string      `json:"error,omitempty"`
}

// Trigger evaluates every workflow against the posted event and queues a
// run for each one that fires.
func (s *Spindle) Trigger(w http.ResponseWriter, r *http.Request) {
	l := s.l.With("handler", "Trigger")

	var ev workflow.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid event: %w", err))
		return
	}
	if !ev.Kind.IsValid() {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unsupported event kind %q", ev.Kind))
		return
	}

	defs, err := s.defs.Load()
	if err != nil {
		l.Error("failed to load workflows", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := triggerResponse{Runs: []queuedRun{}, Skipped: []string{}}
	for _, def := range defs {
		if !def.Triggers.Evaluate(ev) {
			resp.Skipped = append(resp.Skipped, def.Name)
			continue
		}

		id := models.NewRunId()
		if err := s.db.CreateRun(id, def.Name, ev, s.n); err != nil {
			l.Error("failed to create run", "workflow", def.Name, "error", err)
			writeError(w, http.StatusInternalServerError, err)
			return
		}

		ok := s.jq.Enqueue(queue.Job{
			Run: func() error {
				_, err := s.eng.RunAs(s.ctx, id, def, ev)
				return err
			},
			OnFail: func(jobError error) {
				s.l.Error("run failed", "run", id, "workflow", def.Name, "error", jobError)
			},
		})
		if !ok {
			l.Error("failed to enqueue run: queue is full", "run", id)
			s.rejectRun(id, def, ev)
			resp.Error = "queue is full"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}

		l.Info("run enqueued successfully", "run", id, "workflow", def.Name)
		resp.Runs = append(resp.Runs, queuedRun{Id: id, Workflow: def.Name})
	}

	writeJSON(w, http.StatusAccepted, resp)
}

// rejectRun closes a run that never made it into the queue.
func (s *Spindle) rejectRun(id models.RunId, def *workflow.Definition, ev workflow.Event) {
	now := time.Now()
	err := s.db.FinishRun(&models.WorkflowResult{
		RunId:      id,
		Workflow:   def.Name,
		Event:      ev,
		Outcome:    models.StatusKindCancelled,
		Reason:     models.ReasonQueueFull,
		Jobs:       []models.JobResult{},
		StartedAt:  now,
		FinishedAt: now,
	}, s.n)
	if err != nil {
		s.l.Error("failed to record rejected run", "run", id, "error", err)
	}
}

func (s *Spindle) Runs(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}

	runs, err := s.db.GetRuns(r.URL.Query().Get("workflow"), limit)
	if err != nil {
		s.l.Error("failed to list runs", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []db.Run{}
	}

	writeJSON(w, http.StatusOK, runs)
}

func (s *Spindle) GetRun(w http.ResponseWriter, r *http.Request) {
	id := models.RunId(chi.URLParam(r, "id"))

	run, err := s.db.GetRun(id)
	if errors.Is(err, db.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.l.Error("failed to get run", "run", id, "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, run)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
