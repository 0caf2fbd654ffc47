package trainer

import (
	"maps"
	"strconv"

	"github.com/janpfeifer/tetrisGo/internal/agent"
	"github.com/janpfeifer/tetrisGo/internal/parameters"
	"github.com/pkg/errors"
)

// Config of the training: the hyperparameters that can be set with a configuration string
// (see ParseConfig).
type Config struct {
	// Episodes is the total number of episodes to train, including those of previous runs.
	Episodes int

	// BatchSize and Epochs of each learning step, run every TrainEvery episodes.
	BatchSize, Epochs, TrainEvery int

	// EpsilonStop is the episode where exploration reaches EpsilonMin.
	EpsilonStop int
	EpsilonMin  float64

	Discount float64

	// MemSize is the replay buffer capacity, and ReplayStart the number of transitions required before
	// learning starts.
	MemSize, ReplayStart int

	// MaxScore, if > 0, ends episodes when the score reaches it.
	MaxScore int

	// SaveEvery is the interval in episodes of the milestone checkpoints.
	SaveEvery int

	// BatchWindow is the number of episodes summarized in each chart point and recent batch summary.
	BatchWindow int

	// ModelParams are the parameters not used by the trainer, passed to the model when it is created.
	ModelParams parameters.Params
}

const (
	// RollingWindow is the number of most recent episodes in the rolling statistics.
	RollingWindow = 50

	// StateSaveInterval is the interval in episodes the training state is persisted.
	StateSaveInterval = 50

	// MaxChartPoints and MaxRecentBatches bound the persisted history: oldest are dropped first.
	MaxChartPoints   = 500
	MaxRecentBatches = 20

	// BestSaveInterval is the minimum number of episodes between saves of the best model, unless
	// the improvement is larger than BestSaveImprovement.
	BestSaveInterval    = 10
	BestSaveImprovement = 1.2

	// ConsistencyWindow and ConsistencyThreshold: a consistency checkpoint is saved when at least
	// ConsistencyThreshold of the last ConsistencyWindow episodes reached MaxScore.
	ConsistencyWindow    = 10
	ConsistencyThreshold = 7
)

// configKeys are the parameters used by the trainer, in the order they are documented.
var configKeys = []string{
	"episodes", "batch_size", "epsilon_stop", "epsilon_min", "discount", "mem_size", "epochs",
	"train_every", "max_score", "save_every", "batch_window", "replay_start",
}

// DefaultConfig returns the reference configuration.
func DefaultConfig() Config {
	return Config{
		Episodes:    3000,
		BatchSize:   128,
		Epochs:      1,
		TrainEvery:  1,
		EpsilonStop: 2000,
		EpsilonMin:  0,
		Discount:    0.95,
		MemSize:     1000,
		ReplayStart: 1000,
		MaxScore:    0,
		SaveEvery:   50,
		BatchWindow: 50,
		ModelParams: parameters.Params{},
	}
}

// ParseConfig pops from params the trainer parameters, and returns the configuration with the
// remaining params as ModelParams. Values that don't parse or are out of range are reported as errors.
func ParseConfig(params parameters.Params) (Config, error) {
	params = maps.Clone(params)
	if params == nil {
		params = parameters.Params{}
	}
	cfg := DefaultConfig()
	var err error
	popInt := func(key string, value *int) {
		if err == nil {
			*value, err = parameters.PopParamOr(params, key, *value)
		}
	}
	popFloat := func(key string, value *float64) {
		if err == nil {
			*value, err = parameters.PopParamOr(params, key, *value)
		}
	}
	popInt("episodes", &cfg.Episodes)
	popInt("batch_size", &cfg.BatchSize)
	popInt("epsilon_stop", &cfg.EpsilonStop)
	popFloat("epsilon_min", &cfg.EpsilonMin)
	popFloat("discount", &cfg.Discount)
	popInt("mem_size", &cfg.MemSize)
	popInt("epochs", &cfg.Epochs)
	popInt("train_every", &cfg.TrainEvery)
	popInt("max_score", &cfg.MaxScore)
	popInt("save_every", &cfg.SaveEvery)
	popInt("batch_window", &cfg.BatchWindow)
	cfg.ReplayStart = min(cfg.MemSize, 1000)
	popInt("replay_start", &cfg.ReplayStart)
	if err != nil {
		return cfg, errors.WithMessage(err, "invalid training configuration")
	}
	cfg.ModelParams = params
	if err = cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate returns an error describing the first value out of range.
func (c Config) Validate() error {
	positive := []struct {
		key   string
		value int
	}{
		{"episodes", c.Episodes}, {"batch_size", c.BatchSize}, {"mem_size", c.MemSize},
		{"epochs", c.Epochs}, {"train_every", c.TrainEvery}, {"save_every", c.SaveEvery},
		{"batch_window", c.BatchWindow},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return errors.Errorf("invalid training configuration: %s must be > 0, got %d", p.key, p.value)
		}
	}
	if c.EpsilonStop < 0 || c.MaxScore < 0 || c.ReplayStart < 0 {
		return errors.Errorf("invalid training configuration: epsilon_stop=%d, max_score=%d and replay_start=%d must be >= 0",
			c.EpsilonStop, c.MaxScore, c.ReplayStart)
	}
	if c.ReplayStart > c.MemSize {
		return errors.Errorf("invalid training configuration: replay_start=%d can't be larger than mem_size=%d",
			c.ReplayStart, c.MemSize)
	}
	if err := c.AgentConfig(0).Validate(); err != nil {
		return errors.WithMessage(err, "invalid training configuration")
	}
	return nil
}

// AgentConfig returns the configuration of the learning agent.
func (c Config) AgentConfig(seed uint64) agent.Config {
	return agent.Config{
		Discount:           float32(c.Discount),
		EpsilonMin:         float32(c.EpsilonMin),
		EpsilonStopEpisode: c.EpsilonStop,
		MemSize:            c.MemSize,
		ReplayStart:        c.ReplayStart,
		Seed:               seed,
	}
}

// Params returns the trainer parameters as configuration values, as saved in the training state.
// ModelParams are not included: checkpoints carry the model hyperparameters.
func (c Config) Params() map[string]string {
	formatFloat := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	return map[string]string{
		"episodes":     strconv.Itoa(c.Episodes),
		"batch_size":   strconv.Itoa(c.BatchSize),
		"epsilon_stop": strconv.Itoa(c.EpsilonStop),
		"epsilon_min":  formatFloat(c.EpsilonMin),
		"discount":     formatFloat(c.Discount),
		"mem_size":     strconv.Itoa(c.MemSize),
		"epochs":       strconv.Itoa(c.Epochs),
		"train_every":  strconv.Itoa(c.TrainEvery),
		"max_score":    strconv.Itoa(c.MaxScore),
		"save_every":   strconv.Itoa(c.SaveEvery),
		"batch_window": strconv.Itoa(c.BatchWindow),
		"replay_start": strconv.Itoa(c.ReplayStart),
	}
}

// WithSavedParameters returns a copy of params with the trainer parameters saved in a previous run
// used as defaults: values set in params take precedence.
func WithSavedParameters(params parameters.Params, saved map[string]string) parameters.Params {
	merged := maps.Clone(params)
	if merged == nil {
		merged = parameters.Params{}
	}
	for _, key := range configKeys {
		value, found := saved[key]
		if !found {
			continue
		}
		if _, set := merged[key]; set {
			continue
		}
		if _, memSet := params["mem_size"]; key == "replay_start" && memSet {
			// Derived from mem_size by default.
			continue
		}
		merged[key] = value
	}
	return merged
}
