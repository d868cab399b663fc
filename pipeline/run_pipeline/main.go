// Command run_pipeline runs a demo task farm, either as a
// simulated world inside one process or as one rank of a
// world of processes connected over websockets.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally/v4"
	"github.com/unixpickle/taskfarm/collect"
	"github.com/unixpickle/taskfarm/comm"
	"github.com/unixpickle/taskfarm/comm/wsnet"
	"github.com/unixpickle/taskfarm/pipeline"
	"github.com/unixpickle/taskfarm/simulator"
	"golang.org/x/sync/errgroup"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	app = kingpin.New("run_pipeline", "Run a demo task farm")

	debug = app.Flag(
		"debug", "enable debug logging").
		Short('d').
		Default("false").
		Envar("ENABLE_DEBUG_LOGGING").
		Bool()

	cfgFiles = app.Flag(
		"config",
		"YAML config files (can be provided multiple times to merge configs)").
		Short('c').
		ExistingFiles()

	tasks = app.Flag(
		"tasks", "number of tasks (tasks override)").
		Envar("TASKFARM_TASKS").
		Int()

	stride = app.Flag(
		"stride", "keep every stride-th rank active (stride override)").
		Envar("TASKFARM_STRIDE").
		Int()

	ranks = app.Flag(
		"ranks", "number of simulated ranks (local.ranks override)").
		Envar("TASKFARM_RANKS").
		Int()

	network = app.Flag(
		"network", "simulated network (local.network override)").
		Envar("TASKFARM_NETWORK").
		Enum("random", "ordered", "switched")

	peers = app.Flag(
		"peer", "address of a rank; repeat once per rank in rank order (net.peers override)").
		Envar("TASKFARM_PEERS").
		Strings()

	rank = app.Flag(
		"rank", "this process's rank among the peers (net.rank override)").
		Default("-1").
		Envar("TASKFARM_RANK").
		Int()

	listen = app.Flag(
		"listen", "address to serve peers on, defaults to this rank's peer address").
		Envar("TASKFARM_LISTEN").
		String()

	seed = app.Flag(
		"seed", "seed of the demo samples (seed override)").
		Envar("TASKFARM_SEED").
		Int64()
)

func main() {
	app.HelpFlag.Short('h')
	kingpin.MustParse(app.Parse(os.Args[1:]))

	log.SetFormatter(&log.JSONFormatter{})
	initialLevel := log.InfoLevel
	if *debug {
		initialLevel = log.DebugLevel
	}
	log.SetLevel(initialLevel)
	logger := log.WithField("app", app.Name)

	cfg := defaultConfig()
	if err := Parse(cfg, *cfgFiles...); err != nil {
		logger.WithError(err).Fatal("Cannot parse yaml config")
	}
	overrideFlags(cfg)
	if err := Validate(cfg); err != nil {
		logger.WithError(err).Fatal("Invalid config")
	}
	logger.WithField("config", cfg).Debug("Loaded config")

	scope, closer := tally.NewRootScope(tally.ScopeOptions{
		Prefix:   "taskfarm",
		Reporter: tally.NullStatsReporter,
	}, time.Second)
	defer closer.Close()

	var err error
	if len(cfg.Net.Peers) > 0 {
		err = runNet(cfg, scope, logger)
	} else {
		err = runLocal(cfg, scope, logger)
	}
	if err != nil {
		logger.WithError(err).Fatal("Pipeline failed")
	}
}

func overrideFlags(cfg *Config) {
	if *tasks != 0 {
		cfg.Tasks = *tasks
	}
	if *stride != 0 {
		cfg.Stride = *stride
	}
	if *ranks != 0 {
		cfg.Local.Ranks = *ranks
	}
	if *network != "" {
		cfg.Local.Network = *network
	}
	if len(*peers) > 0 {
		cfg.Net.Peers = *peers
	}
	if *rank >= 0 {
		cfg.Net.Rank = *rank
	}
	if *listen != "" {
		cfg.Net.Listen = *listen
	}
	if *seed != 0 {
		cfg.Seed = *seed
	}
}

// runLocal runs every rank on a simulated network.
func runLocal(cfg *Config, scope tally.Scope, logger log.FieldLogger) error {
	loop := simulator.NewEventLoopSeed(cfg.Seed)
	simNet := newNetwork(cfg.Local)

	var lock sync.Mutex
	var result *multierror.Error
	err := comm.RunSim(loop, simNet, cfg.Local.Ranks, comm.Options{Scope: scope, Logger: logger},
		func(world *comm.Group) {
			if err := runRank(world, cfg, scope); err != nil {
				lock.Lock()
				result = multierror.Append(result, errors.Wrapf(err, "rank %d", world.Rank()))
				lock.Unlock()
			}
		})
	if err != nil {
		result = multierror.Append(result, err)
	}
	logger.WithField("virtual_time", loop.Time()).Info("Simulation finished")
	return result.ErrorOrNil()
}

func newNetwork(cfg LocalConfig) simulator.Network {
	switch cfg.Network {
	case "ordered":
		return simulator.NewOrderedNetwork(cfg.Rate, cfg.MaxDelay)
	case "switched":
		sw := simulator.NewFairSwitch(cfg.Ranks, cfg.Rate)
		return simulator.NewSwitchedNetwork(sw, cfg.Ranks, cfg.MaxDelay)
	}
	return simulator.RandomNetwork{MaxDelay: cfg.MaxDelay}
}

// runNet runs this process's rank, closing the transport
// early on an interrupt.
func runNet(cfg *Config, scope tally.Scope, logger log.FieldLogger) error {
	addr := cfg.Net.Listen
	if addr == "" {
		addr = cfg.Net.Peers[cfg.Net.Rank]
	}
	ln, err := wsnet.Listen(addr)
	if err != nil {
		return err
	}
	t, err := wsnet.Connect(cfg.Net.Rank, cfg.Net.Peers, ln, wsnet.Options{
		DialTimeout: cfg.Net.DialTimeout,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	eg, ctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	eg.Go(func() error {
		defer close(done)
		world := comm.NewWorld(t, comm.Options{Scope: scope, Logger: logger})
		return runRank(world, cfg, scope)
	})
	eg.Go(func() error {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			logger.Warn("Interrupted, closing connections")
			return t.Close()
		}
	})
	err = eg.Wait()
	if closeErr := t.Close(); err == nil {
		err = closeErr
	}
	logger.WithFields(log.Fields{
		"sent":     t.MessagesSent(),
		"received": t.MessagesReceived(),
	}).Info("Rank finished")
	return err
}

// runRank forms the farm on one rank, runs the demo task
// over the rank's share, and reports the gathered results
// on the leader.
func runRank(world *comm.Group, cfg *Config, scope tally.Scope) error {
	m, err := pipeline.Form(world, cfg.Tasks, cfg.Stride, pipeline.Options{})
	if err != nil {
		return err
	}
	if m.State == pipeline.Idle {
		world.Logger().Info("Rank is idle")
		return nil
	}
	w := m.Worker
	defer w.Close()

	c, err := w.Collector(collect.Config{
		StatsLabels: []string{statsLabel},
		StackLabels: []string{stackLabel},
		TagStart:    cfg.TagStart,
		Scope:       scope,
	})
	if err != nil {
		return err
	}
	task := &demoTask{
		worker:    w,
		collector: c,
		seed:      cfg.Seed,
		dim:       cfg.Demo.Dim,
		patchSize: cfg.Demo.PatchSize,
	}
	if err := pipeline.NewRunner(w, pipeline.RunnerOptions{Scope: scope}).Loop(task); err != nil {
		return err
	}

	stacks, err := c.GetStacks()
	if err != nil {
		return err
	}
	stats, err := c.GetStats()
	if err != nil {
		return err
	}
	if !w.Group().IsLeader() {
		return nil
	}

	summary := stats[statsLabel]
	w.Group().Logger().WithFields(log.Fields{
		"label":    statsLabel,
		"samples":  summary.N,
		"counts":   summary.Counts,
		"mean":     summary.Mean,
		"err_mean": summary.ErrMean,
	}).Info("Gathered samples")
	grid := stacks[stackLabel]
	w.Group().Logger().WithFields(log.Fields{
		"label": stackLabel,
		"shape": grid.Shape(),
		"rows":  grid.Rows(),
	}).Info("Gathered stack")
	return nil
}
