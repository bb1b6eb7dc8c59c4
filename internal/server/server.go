// Package server exposes the engine to native shells over a local HTTP
// API plus a WebSocket event feed.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/conduit-desktop/conduit/internal/api"
	"github.com/conduit-desktop/conduit/internal/engine"
	"github.com/conduit-desktop/conduit/internal/events"
	"github.com/conduit-desktop/conduit/internal/httputil"
	"github.com/conduit-desktop/conduit/internal/interrupt"
	"github.com/conduit-desktop/conduit/internal/runstate"
	"github.com/conduit-desktop/conduit/internal/sendqueue"
	"github.com/conduit-desktop/conduit/internal/thinking"
)

// Deps are the engine components the handlers read.
type Deps struct {
	Engine  *engine.Engine
	Store   *runstate.Store
	Tracker *runstate.Tracker
	Coord   *interrupt.Coordinator
	Gate    *thinking.Gate
	Queue   *sendqueue.Queue
	Bus     *events.Subject
	Log     *slog.Logger
}

// Run serves the local API until ctx is cancelled.
func Run(ctx context.Context, port int, deps Deps) error {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	log := deps.Log.With("component", "server")

	if err := checkPortAvailable(port); err != nil {
		return fmt.Errorf("port %d is already in use", port)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", port),
		Handler: Router(deps),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("serving local API", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Router builds the chi router for the local API.
func Router(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(deps.Log))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		httputil.OkJSON(w, map[string]string{"status": "ok"})
	})
	r.Get("/status", statusHandler(deps))
	r.Get("/ws", wsHandler(deps))

	r.Post("/drafts", sendDraftHandler(deps))

	r.Route("/threads/{threadID}", func(r chi.Router) {
		r.Get("/state", threadStateHandler(deps))
		r.Post("/select", selectHandler(deps))
		r.Post("/messages", sendHandler(deps))
		r.Post("/interrupt", interruptHandler(deps))
		r.Post("/steer", steerHandler(deps))
		r.Delete("/", removeThreadHandler(deps))

		r.Route("/queue", func(r chi.Router) {
			r.Get("/", queueHandler(deps))
			r.Post("/retry", queueRetryHandler(deps))
			r.Patch("/{entryID}", queueUpdateHandler(deps))
			r.Delete("/{entryID}", queueRemoveHandler(deps))
		})
	})
	return r
}

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
			)
		})
	}
}

// threadStatus is the per-thread view in /status and /state responses.
type threadStatus struct {
	ID             string   `json:"id"`
	Running        []string `json:"running"`
	Busy           bool     `json:"busy"`
	BusyCount      int      `json:"busyCount"`
	Owner          string   `json:"owner"`
	InterruptState string   `json:"interruptState"`
	ThinkingState  string   `json:"thinkingState"`
	QueueLength    int      `json:"queueLength"`
	QueuePaused    bool     `json:"queuePaused"`
}

func threadStatusOf(deps Deps, threadID string) threadStatus {
	proj := deps.Tracker.Projection(threadID)
	key := sendqueue.ThreadKey(threadID)
	busy := proj.Busy()
	return threadStatus{
		ID:             threadID,
		Running:        proj.Running,
		Busy:           busy || deps.Gate.Active(threadID),
		BusyCount:      deps.Gate.BusyCount(threadID, busy),
		Owner:          deps.Store.OwnerOf(threadID).String(),
		InterruptState: deps.Coord.StateOf(threadID),
		ThinkingState:  deps.Gate.StateOf(threadID).String(),
		QueueLength:    deps.Queue.Len(key),
		QueuePaused:    deps.Queue.Paused(key),
	}
}

func statusHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		threads := []threadStatus{}
		for _, id := range deps.Store.ActiveThreads() {
			threads = append(threads, threadStatusOf(deps, id))
		}
		httputil.OkJSON(w, map[string]any{"threads": threads})
	}
}

func threadStateHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		threadID := httputil.PathVar(r, "threadID")
		httputil.OkJSON(w, threadStatusOf(deps, threadID))
	}
}

func selectHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		threadID := httputil.PathVar(r, "threadID")
		epoch := deps.Engine.Select(threadID)
		httputil.OkJSON(w, map[string]any{"epoch": epoch})
	}
}

func sendHandler(deps Deps) http.HandlerFunc {
	type request struct {
		Text                string           `json:"text"`
		Attachments         []api.Attachment `json:"attachments"`
		OptimisticMessageID string           `json:"optimisticMessageId"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		threadID := httputil.PathVar(r, "threadID")
		var req request
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		if req.Text == "" {
			httputil.ErrorWithCode(w, http.StatusBadRequest, "text is required")
			return
		}
		queued, err := deps.Engine.Send(r.Context(), threadID, sendqueue.Entry{
			Text:                req.Text,
			Attachments:         req.Attachments,
			OptimisticMessageID: req.OptimisticMessageID,
		})
		if err != nil {
			httputil.ErrorWithCode(w, http.StatusBadGateway, err.Error())
			return
		}
		httputil.OkJSON(w, map[string]any{"queued": queued})
	}
}

func sendDraftHandler(deps Deps) http.HandlerFunc {
	type request struct {
		Cwd                 string           `json:"cwd"`
		Text                string           `json:"text"`
		Attachments         []api.Attachment `json:"attachments"`
		OptimisticMessageID string           `json:"optimisticMessageId"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		if req.Text == "" {
			httputil.ErrorWithCode(w, http.StatusBadRequest, "text is required")
			return
		}
		threadID, err := deps.Engine.SendDraft(r.Context(), req.Cwd, sendqueue.Entry{
			Text:                req.Text,
			Attachments:         req.Attachments,
			OptimisticMessageID: req.OptimisticMessageID,
		})
		if err != nil {
			httputil.ErrorWithCode(w, http.StatusBadGateway, err.Error())
			return
		}
		httputil.OkJSON(w, map[string]any{"threadId": threadID})
	}
}

func interruptHandler(deps Deps) http.HandlerFunc {
	type request struct {
		TurnID string `json:"turnId"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		threadID := httputil.PathVar(r, "threadID")
		var req request
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		err := deps.Engine.Stop(r.Context(), threadID, req.TurnID)
		switch {
		case err == nil:
			httputil.OkJSON(w, map[string]any{"stopped": true})
		case errors.Is(err, interrupt.ErrNothingToInterrupt):
			httputil.Conflict(w, "nothing to interrupt")
		case errors.Is(err, api.ErrExternalSurfaceRun):
			httputil.Conflict(w, "the active run belongs to another surface")
		default:
			httputil.InternalError(w, err.Error())
		}
	}
}

func steerHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		threadID := httputil.PathVar(r, "threadID")
		err := deps.Engine.Steer(r.Context(), threadID)
		switch {
		case err == nil:
			httputil.OkJSON(w, map[string]any{"steered": true})
		case errors.Is(err, api.ErrExternalSurfaceRun):
			httputil.Conflict(w, "the active run belongs to another surface")
		case errors.Is(err, engine.ErrSteeringDisabled):
			httputil.Conflict(w, err.Error())
		case errors.Is(err, engine.ErrQueueEmpty):
			httputil.NotFound(w, err.Error())
		default:
			httputil.ErrorWithCode(w, http.StatusBadGateway, err.Error())
		}
	}
}

func removeThreadHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		threadID := httputil.PathVar(r, "threadID")
		deps.Engine.RemoveThread(threadID)
		httputil.OkJSON(w, map[string]any{"removed": true})
	}
}

func queueHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := sendqueue.ThreadKey(httputil.PathVar(r, "threadID"))
		entries := deps.Queue.Snapshot(key)
		if entries == nil {
			entries = []sendqueue.Entry{}
		}
		httputil.OkJSON(w, map[string]any{
			"entries": entries,
			"paused":  deps.Queue.Paused(key),
		})
	}
}

func queueRetryHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		threadID := httputil.PathVar(r, "threadID")
		deps.Engine.RetryQueued(r.Context(), threadID)
		httputil.OkJSON(w, map[string]any{"resumed": true})
	}
}

func queueUpdateHandler(deps Deps) http.HandlerFunc {
	type request struct {
		Text string `json:"text"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		key := sendqueue.ThreadKey(httputil.PathVar(r, "threadID"))
		entryID := httputil.PathVar(r, "entryID")
		var req request
		if err := httputil.Parse(r, &req); err != nil {
			httputil.Error(w, err)
			return
		}
		if err := deps.Queue.Update(key, entryID, req.Text); err != nil {
			httputil.NotFound(w, err.Error())
			return
		}
		httputil.OkJSON(w, map[string]any{"updated": true})
	}
}

func queueRemoveHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := sendqueue.ThreadKey(httputil.PathVar(r, "threadID"))
		entryID := httputil.PathVar(r, "entryID")
		if !deps.Queue.Remove(key, entryID) {
			httputil.NotFound(w, "entry not found")
			return
		}
		httputil.OkJSON(w, map[string]any{"removed": true})
	}
}

func checkPortAvailable(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return err
	}
	return ln.Close()
}
