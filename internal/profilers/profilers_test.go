package profilers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler(t *testing.T) {
	r := chi.NewRouter()
	r.Mount("/debug", Handler())
	ts := httptest.NewServer(r)
	defer ts.Close()
	resp, err := http.Get(ts.URL + "/debug/pprof/")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCPUProfile(t *testing.T) {
	p := &Profilers{ctx: context.Background()}
	path := filepath.Join(t.TempDir(), "cpu.prof")
	require.NoError(t, p.startCPUProfile(path))
	p.OnQuit()
	assert.FileExists(t, path)
	assert.Nil(t, p.cpuProfile)

	var nilProfilers *Profilers
	nilProfilers.OnQuit()
}
