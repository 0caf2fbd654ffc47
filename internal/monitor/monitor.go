// Package monitor serves the training progress and the replayed games over HTTP, for a browser or any
// other external dashboard.
//
// Endpoints:
//
//   - GET /health: liveness.
//   - GET /api/state: the persisted training state document.
//   - GET /api/checkpoints: the milestone, best and consistent checkpoints available.
//   - GET /api/episodes: the per-episode log, if one is configured.
//   - POST /api/viewer/pause, /api/viewer/resume: control the replay, if a viewer is attached.
//   - GET /ws: a websocket streaming the latest Snapshot, at most every 100ms.
//
// The monitor only reads: the trainer and the viewer publish into it without ever blocking.
package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/janpfeifer/tetrisGo/internal/history"
	"github.com/janpfeifer/tetrisGo/internal/persistence"
	"github.com/janpfeifer/tetrisGo/internal/trainer"
	"github.com/janpfeifer/tetrisGo/internal/viewer"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 1 * time.Second

	// pubResolution is the fastest rate snapshots are sent to a client: intervening updates are dropped.
	pubResolution  = 100 * time.Millisecond
	pingResolution = time.Second
	pongWait       = 4 * pingResolution

	maxMessageSize = 1024
)

var upgrader = websocket.Upgrader{}

// Snapshot is what is streamed to the websocket clients: the latest training progress and the latest
// replayed frame, whichever are available.
type Snapshot struct {
	Version  uint64            `json:"version"`
	Progress *trainer.Progress `json:"progress,omitempty"`
	Frame    *viewer.Frame     `json:"frame,omitempty"`
}

// Checkpoints lists the checkpoints available in the models directory.
type Checkpoints struct {
	Milestones []int `json:"milestones"`
	Consistent []int `json:"consistent"`
	Best       bool  `json:"best"`
}

// Pauser is the replay control exposed by the monitor, implemented by viewer.Viewer.
type Pauser interface {
	Pause()
	Resume()
	Paused() bool
}

// Server holds the latest published snapshot and serves it.
type Server struct {
	r         *chi.Mux
	store     *persistence.Store
	saveEvery int

	// EpisodesDir, if set, is served by /api/episodes.
	EpisodesDir string

	// Viewer, if set, can be paused and resumed.
	Viewer Pauser

	mu       sync.Mutex
	snapshot Snapshot
}

// New creates a Server reading checkpoints from store, with milestones every saveEvery episodes.
func New(store *persistence.Store, saveEvery int) *Server {
	if saveEvery <= 0 {
		saveEvery = persistence.DefaultSaveEvery
	}
	s := &Server{r: chi.NewRouter(), store: store, saveEvery: saveEvery}
	s.r.Use(chimw.RealIP)
	s.r.Use(chimw.Recoverer)

	s.r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	s.r.Route("/api", func(r chi.Router) {
		r.Use(chimw.Timeout(10 * time.Second))
		r.Get("/state", s.handleState)
		r.Get("/checkpoints", s.handleCheckpoints)
		r.Get("/episodes", s.handleEpisodes)
		r.Post("/viewer/pause", s.handleViewerControl(true))
		r.Post("/viewer/resume", s.handleViewerControl(false))
	})
	s.r.Get("/ws", s.handleWebsocket)
	return s
}

// Router exposes the internal router, e.g. for tests.
func (s *Server) Router() chi.Router { return s.r }

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	klog.Infof("Monitor serving on http://%s", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return errors.Wrapf(err, "monitor failed to serve on %s", addr)
}

// PublishProgress updates the training progress streamed to clients.
func (s *Server) PublishProgress(p trainer.Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot.Progress = &p
	s.snapshot.Version++
}

// PublishFrame updates the replayed frame streamed to clients.
func (s *Server) PublishFrame(f viewer.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot.Frame = &f
	s.snapshot.Version++
}

// Snapshot returns the latest published snapshot.
func (s *Server) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		klog.V(1).Infof("Monitor failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	st, ok := s.store.LoadState()
	if !ok {
		writeError(w, http.StatusNotFound, "no training state")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	c := Checkpoints{
		Milestones: s.store.ListMilestones(s.saveEvery),
		Consistent: s.store.ListConsistent(),
		Best:       s.store.HasBest(),
	}
	if c.Milestones == nil {
		c.Milestones = []int{}
	}
	if c.Consistent == nil {
		c.Consistent = []int{}
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleEpisodes(w http.ResponseWriter, r *http.Request) {
	if s.EpisodesDir == "" {
		writeError(w, http.StatusNotFound, "no episode log configured")
		return
	}
	rows, err := history.ReadDir(s.EpisodesDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleViewerControl(pause bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Viewer == nil {
			writeError(w, http.StatusNotFound, "no viewer running")
			return
		}
		if pause {
			s.Viewer.Pause()
		} else {
			s.Viewer.Resume()
		}
		writeJSON(w, http.StatusOK, map[string]bool{"paused": s.Viewer.Paused()})
	}
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		klog.Warningf("Monitor failed to upgrade websocket: %v", err)
		return
	}
	defer func() { _ = ws.Close() }()
	if err = s.stream(r.Context(), ws); err != nil {
		klog.V(1).Infof("Monitor websocket %s closed: %v", r.RemoteAddr, err)
	}
}

// stream sends the snapshot whenever it changes, at most every pubResolution, until the peer goes away.
func (s *Server) stream(ctx context.Context, ws *websocket.Conn) error {
	group, ctx := errgroup.WithContext(ctx)
	var writeMu sync.Mutex
	write := func(fn func() error) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return err
		}
		return fn()
	}

	// Reader: only control messages are expected, but reading is required to process them.
	group.Go(func() error {
		ws.SetReadLimit(maxMessageSize)
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				if isClosure(err) {
					return context.Canceled
				}
				return err
			}
		}
	})

	group.Go(func() error {
		pings := time.NewTicker(pingResolution)
		defer pings.Stop()
		pubs := time.NewTicker(pubResolution)
		defer pubs.Stop()
		var lastVersion uint64
		for {
			select {
			case <-ctx.Done():
				_ = write(func() error {
					return ws.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				})
				return nil
			case <-pings.C:
				if err := write(func() error { return ws.WriteMessage(websocket.PingMessage, nil) }); err != nil {
					return errors.Wrap(err, "ping failed")
				}
			case <-pubs.C:
				snapshot := s.Snapshot()
				if snapshot.Version == lastVersion {
					continue
				}
				lastVersion = snapshot.Version
				if err := write(func() error { return ws.WriteJSON(snapshot) }); err != nil {
					return errors.Wrap(err, "publish failed")
				}
			}
		}
	})

	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func isClosure(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
