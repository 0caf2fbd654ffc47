package monitor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/janpfeifer/tetrisGo/internal/ai/mlp"
	"github.com/janpfeifer/tetrisGo/internal/features"
	"github.com/janpfeifer/tetrisGo/internal/history"
	"github.com/janpfeifer/tetrisGo/internal/persistence"
	"github.com/janpfeifer/tetrisGo/internal/trainer"
	"github.com/janpfeifer/tetrisGo/internal/viewer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *persistence.Store, *httptest.Server) {
	store, err := persistence.NewStore(filepath.Join(t.TempDir(), "models"))
	require.NoError(t, err)
	s := New(store, 50)
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return s, store, ts
}

func getJSON(t *testing.T, url string, v any) int {
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, "application/json; charset=utf-8", resp.Header.Get("Content-Type"))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp.StatusCode
}

func TestHTTP(t *testing.T) {
	s, store, ts := newTestServer(t)

	var health map[string]bool
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/health", &health))
	assert.True(t, health["ok"])

	var errResp map[string]string
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/state", &errResp))
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/episodes", &errResp))

	var checkpoints Checkpoints
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/checkpoints", &checkpoints))
	assert.Equal(t, Checkpoints{Milestones: []int{}, Consistent: []int{}}, checkpoints)

	// Populate the store.
	n := mlp.New(features.Dim, []int{4}, mlp.Relu, 1)
	require.NoError(t, store.SaveMilestone(n, 1))
	require.NoError(t, store.SaveMilestone(n, 50))
	require.NoError(t, store.SaveBest(n))
	require.NoError(t, store.SaveState(&persistence.TrainingState{LastEpisode: 57, BestScore: 42}))

	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/checkpoints", &checkpoints))
	assert.Equal(t, Checkpoints{Milestones: []int{1, 50}, Consistent: []int{}, Best: true}, checkpoints)

	var st persistence.TrainingState
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/state", &st))
	assert.Equal(t, 57, st.LastEpisode)
	assert.Equal(t, 42, st.BestScore)

	// Episode log.
	s.EpisodesDir = filepath.Join(t.TempDir(), "episodes")
	w, err := history.NewWriter(s.EpisodesDir, 10)
	require.NoError(t, err)
	require.NoError(t, w.RecordEpisode(1, 10, 5, 0, 1))
	require.NoError(t, w.RecordEpisode(2, 30, 9, 1, 0.9))
	require.NoError(t, w.Close())
	var rows []history.EpisodeRow
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/episodes", &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, int32(30), rows[1].Score)
}

type fakeViewer struct{ paused bool }

func (v *fakeViewer) Pause()       { v.paused = true }
func (v *fakeViewer) Resume()      { v.paused = false }
func (v *fakeViewer) Paused() bool { return v.paused }

func TestViewerControl(t *testing.T) {
	s, _, ts := newTestServer(t)
	resp, err := http.Post(ts.URL+"/api/viewer/pause", "", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	v := &fakeViewer{}
	s.Viewer = v
	var got map[string]bool
	resp, err = http.Post(ts.URL+"/api/viewer/pause", "", nil)
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	_ = resp.Body.Close()
	assert.True(t, got["paused"])
	assert.True(t, v.paused)

	resp, err = http.Post(ts.URL+"/api/viewer/resume", "", nil)
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	_ = resp.Body.Close()
	assert.False(t, got["paused"])
}

func TestWebsocket(t *testing.T) {
	s, _, ts := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	s.PublishProgress(trainer.Progress{Episode: 3, TotalEpisodes: 10, BestScore: 12})
	s.PublishFrame(viewer.Frame{Label: "Best Model", Score: 7})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var snapshot Snapshot
	for snapshot.Version < 2 {
		require.NoError(t, conn.ReadJSON(&snapshot))
	}
	require.NotNil(t, snapshot.Progress)
	assert.Equal(t, 3, snapshot.Progress.Episode)
	assert.Equal(t, 12, snapshot.Progress.BestScore)
	require.NotNil(t, snapshot.Frame)
	assert.Equal(t, "Best Model", snapshot.Frame.Label)
	assert.Equal(t, 7, snapshot.Frame.Score)

	// Unchanged snapshots are not sent again; a new one is.
	s.PublishProgress(trainer.Progress{Episode: 4, TotalEpisodes: 10})
	require.NoError(t, conn.ReadJSON(&snapshot))
	assert.Equal(t, uint64(3), snapshot.Version)
	assert.Equal(t, 4, snapshot.Progress.Episode)
}
