// tetris trains a value-function agent to play Tetris and/or replays the games of a trained model.
//
// Training and visualization can run concurrently: the viewer only reads checkpoints from the models
// directory, while the trainer writes them.
//
// Examples:
//
//	# Train for 3000 episodes with the default MLP model.
//	$ go run ./cmd/tetris -train -config="episodes=3000"
//
//	# Watch the best model so far, while training continues.
//	$ go run ./cmd/tetris -visualize=best
//
//	# Train with a GoMLX model and serve a monitor on port 8080.
//	$ go run ./cmd/tetris -train -model=fnn -config="episodes=5000,hidden=64-64" -monitor=localhost:8080
package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/janpfeifer/must"
	"github.com/janpfeifer/tetrisGo/internal/ai"
	_ "github.com/janpfeifer/tetrisGo/internal/ai/linear"
	_ "github.com/janpfeifer/tetrisGo/internal/ai/mlp"
	"github.com/janpfeifer/tetrisGo/internal/history"
	"github.com/janpfeifer/tetrisGo/internal/monitor"
	"github.com/janpfeifer/tetrisGo/internal/parameters"
	"github.com/janpfeifer/tetrisGo/internal/persistence"
	"github.com/janpfeifer/tetrisGo/internal/profilers"
	"github.com/janpfeifer/tetrisGo/internal/state"
	"github.com/janpfeifer/tetrisGo/internal/trainer"
	"github.com/janpfeifer/tetrisGo/internal/ui/cli"
	"github.com/janpfeifer/tetrisGo/internal/ui/spinning"
	"github.com/janpfeifer/tetrisGo/internal/viewer"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

var (
	flagModelsDir  = flag.String("models_dir", "models", "Directory with the checkpoints and the training state.")
	flagTrain      = flag.Bool("train", false, "Train the agent, resuming from the models directory if there is prior training.")
	flagVisualize  = flag.String("visualize", "", "Replay the games of a trained model: an episode with a milestone checkpoint (1 or a multiple of save_every), or \"best\".")
	flagConfig     = flag.String("config", "", "Training and model configuration, e.g. \"episodes=3000,batch_size=512,hidden=32-32\".")
	flagModel      = flag.String("model", trainer.DefaultModelKind, "Kind of model to create when training from scratch.")
	flagSeed       = flag.Uint64("seed", 0, "Random seed. If 0, one is derived from the current time.")
	flagWidth      = flag.Int("width", state.DefaultWidth, "Width of the board.")
	flagHeight     = flag.Int("height", state.DefaultHeight, "Height of the board.")
	flagMonitor    = flag.String("monitor", "", "If set, address (e.g. \"localhost:8080\") where to serve the HTTP/websocket monitor.")
	flagEpisodeLog = flag.String("episode_log", "", "If set, directory where to log every training episode in Parquet files.")
	flagReset      = flag.Bool("reset", false, "Delete all checkpoints and training state before starting.")
	flagVisDelay   = flag.Duration("vis_delay", viewer.DefaultDelay, "Delay between placements when visualizing.")
	flagVisGames   = flag.Int("vis_games", 0, "Number of games to visualize. If <= 0, until interrupted.")
	flagPrint      = flag.Bool("print", true, "Print training progress and replayed games to the terminal.")
)

// Globals
var (
	// globalCtx used everywhere. It is cancelled when the program is about to exit either by
	// an interrupt (ctrl+C) or by reaching the end.
	globalCtx = context.Background()
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if !*flagTrain && *flagVisualize == "" && !*flagReset {
		klog.Exitf("Nothing to do: set -train and/or -visualize (or -reset). Available models: %s",
			strings.Join(ai.RegisteredKinds(), ", "))
	}

	// Capture Control+C: the workers stop, saving their progress.
	var globalCancel func()
	globalCtx, globalCancel = context.WithCancel(context.Background())
	spinning.SafeInterrupt(globalCancel, 10*time.Second)
	defer globalCancel()

	prof := must.M1(profilers.Setup(globalCtx))
	defer prof.OnQuit()

	store := must.M1(persistence.NewStore(*flagModelsDir))
	if *flagReset {
		must.M(store.Reset())
		fmt.Printf("Reset %s: all checkpoints and training state deleted.\n", store.Dir)
	}
	seed := *flagSeed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	cfg := must.M1(loadConfig(store))

	var mon *monitor.Server
	if *flagMonitor != "" {
		mon = monitor.New(store, cfg.SaveEvery)
		mon.EpisodesDir = *flagEpisodeLog
	}

	// Open the viewer before starting anything, so a bad -visualize fails fast.
	var v *viewer.Viewer
	if *flagVisualize != "" {
		ref, err := persistence.ParseRef(*flagVisualize)
		if err != nil {
			klog.Exitf("Invalid -visualize=%q: %v", *flagVisualize, err)
		}
		v, err = viewer.Open(store, ref, viewer.Options{
			SaveEvery: cfg.SaveEvery,
			Width:     *flagWidth,
			Height:    *flagHeight,
			Seed:      seed + 1,
		})
		if err != nil {
			klog.Exitf("Can't visualize %s: %v", ref.Label(), err)
		}
		v.Delay = *flagVisDelay
		v.MaxGames = *flagVisGames
		if mon != nil {
			mon.Viewer = v
		}
	}

	var recorder *history.Writer
	if *flagTrain && *flagEpisodeLog != "" {
		recorder = must.M1(history.NewWriter(*flagEpisodeLog, history.DefaultFlushEvery))
	}

	g, ctx := errgroup.WithContext(globalCtx)
	var ui *cli.UI
	if *flagPrint {
		ui = cli.New(true, v != nil)
	}
	if mon != nil {
		monCtx, monCancel := context.WithCancel(globalCtx)
		defer monCancel()
		go func() {
			if err := mon.ListenAndServe(monCtx, *flagMonitor); err != nil {
				klog.Errorf("Monitor stopped: %+v", err)
			}
		}()
	}
	if *flagTrain {
		g.Go(func() error { return runTrainer(ctx, store, cfg, seed, recorder, ui, v == nil, mon) })
	}
	if v != nil {
		g.Go(func() error { return runViewer(ctx, v, ui, mon) })
	}
	err := g.Wait()
	if recorder != nil {
		if closeErr := recorder.Close(); closeErr != nil {
			err = multierror.Append(err, errors.WithMessage(closeErr, "failed to close the episode log"))
		}
	}
	if err != nil {
		klog.Errorf("Failed: %+v", err)
		prof.OnQuit()
		klog.Flush()
		klog.Exit("Exiting with errors.")
	}
}

// loadConfig parses -config, filling in the parameters of a previous training not given.
func loadConfig(store *persistence.Store) (trainer.Config, error) {
	params := parameters.NewFromConfigString(*flagConfig)
	if saved, ok := store.LoadState(); ok && len(saved.Parameters) > 0 {
		params = trainer.WithSavedParameters(params, saved.Parameters)
		klog.V(1).Infof("Configuration merged with the saved one: %s", params)
	}
	cfg, err := trainer.ParseConfig(params)
	if err != nil {
		return cfg, errors.WithMessagef(err, "invalid -config=%q", *flagConfig)
	}
	return cfg, nil
}

func runTrainer(ctx context.Context, store *persistence.Store, cfg trainer.Config, seed uint64,
	recorder *history.Writer, ui *cli.UI, printProgress bool, mon *monitor.Server) error {
	progress := make(chan trainer.Progress, 16)
	opts := trainer.Options{
		Store:     store,
		ModelKind: *flagModel,
		Seed:      seed,
		Width:     *flagWidth,
		Height:    *flagHeight,
		Progress:  progress,
	}
	if recorder != nil {
		opts.Recorder = recorder
	}

	var spinner *spinning.Spinning
	if ui != nil && printProgress {
		fmt.Print("Loading model ")
		spinner = spinning.New(ctx)
	}
	tr, err := trainer.New(cfg, opts)
	if spinner != nil {
		spinner.Done()
		fmt.Println()
	}
	if err != nil {
		return err
	}
	klog.Infof("Training %s from episode %d to %d", tr.Agent(), tr.StartEpisode()+1, cfg.Episodes)

	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		for p := range progress {
			if ui != nil && printProgress {
				ui.PrintProgress(p)
			}
			if mon != nil {
				mon.PublishProgress(p)
			}
		}
	}()
	result, err := tr.Run(ctx)
	close(progress)
	<-consumed
	if err != nil {
		return err
	}
	if ui != nil && printProgress {
		ui.PrintResult(result, tr.Session().RecentBatches(5))
	}
	return nil
}

func runViewer(ctx context.Context, v *viewer.Viewer, ui *cli.UI, mon *monitor.Server) error {
	frames := make(chan viewer.Frame)
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		for f := range frames {
			if ui != nil {
				ui.PrintFrame(f)
			}
			if mon != nil {
				mon.PublishFrame(f)
			}
		}
	}()
	klog.Infof("Visualizing %s", v.Label())
	err := v.Run(ctx, frames)
	close(frames)
	<-consumed
	return err
}
