// Package profilers sets up profiling of the trainer and viewer: an HTTP pprof server (flag -prof)
// and a CPU profile file (flag -cpu_profile).
//
// If linked, it installs the profiler flags.
package profilers

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"runtime/pprof"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagProfiler   = flag.Int("prof", -1, "If set, serves the pprof profiler at the given port.")
	flagCPUProfile = flag.String("cpu_profile", "", "write cpu profile to `file`")
	flagKeepAlive  = flag.Bool("prof_keep_alive", false,
		"If set with -prof, the program is kept alive at the end, until interrupted, so the profile can be read.")
)

// Profilers started by Setup.
type Profilers struct {
	ctx        context.Context
	addr       string
	server     *http.Server
	cpuProfile *os.File
}

// Setup starts the HTTP (flag -prof) and CPU profilers (flag -cpu_profile), if they were configured.
// You should follow with a deferred call to OnQuit.
func Setup(ctx context.Context) (*Profilers, error) {
	p := &Profilers{ctx: ctx}
	if *flagProfiler >= 0 {
		p.startHTTP(fmt.Sprintf("localhost:%d", *flagProfiler))
	}
	if *flagCPUProfile != "" {
		if err := p.startCPUProfile(*flagCPUProfile); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Handler returns the pprof handlers, to be mounted under "/debug".
func Handler() http.Handler {
	return chimw.Profiler()
}

func (p *Profilers) startHTTP(addr string) {
	p.addr = addr
	r := chi.NewRouter()
	r.Mount("/debug", Handler())
	p.server = &http.Server{Addr: addr, Handler: r}
	fmt.Printf("Starting profiler on http://%s/debug/pprof\n", addr)
	fmt.Printf("- You can access it with: $ go tool pprof http://%s/debug/pprof/heap\n", addr)
	go func() {
		if err := p.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Errorf("Profiler on %s failed: %v", addr, err)
		}
	}()
}

func (p *Profilers) startCPUProfile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "could not create CPU profile %s", path)
	}
	if err = pprof.StartCPUProfile(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "could not start CPU profile %s", path)
	}
	p.cpuProfile = f
	return nil
}

// OnQuit stops the profilers. It should be deferred just after Setup.
//
// With -prof_keep_alive, it blocks until the context given to Setup is cancelled, so the heap of the
// finished program can still be inspected.
func (p *Profilers) OnQuit() {
	if p == nil {
		return
	}
	if p.cpuProfile != nil {
		pprof.StopCPUProfile()
		if err := p.cpuProfile.Close(); err != nil {
			klog.Errorf("Failed to close CPU profile: %v", err)
		}
		p.cpuProfile = nil
	}
	if p.server == nil {
		return
	}
	if *flagKeepAlive && p.ctx.Err() == nil {
		// Garbage collect, to see if there is anything leaking.
		for range 10 {
			runtime.GC()
		}
		fmt.Printf("- Program finished: kept alive with profiler opened at http://%s/debug/pprof\n", p.addr)
		fmt.Printf("- Interrupt (Ctrl+C) to exit\n")
		<-p.ctx.Done()
	}
	_ = p.server.Close()
	p.server = nil
}
