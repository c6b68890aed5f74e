// Command parity runs one sharded-vs-baseline data-parallel parity
// configuration across real OS processes, one per rank, joined through the
// Arrow Flight backend. Without -rank it acts as the launcher: it spawns
// itself once per rank, joins the children and fails if any rank reports a
// mismatch.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/23skdu/longbow-volley/internal/comm"
	"github.com/23skdu/longbow-volley/internal/config"
	"github.com/23skdu/longbow-volley/internal/logger"
	"github.com/23skdu/longbow-volley/internal/monitoring"
	"github.com/23skdu/longbow-volley/internal/parity"
)

var (
	worldSize  = flag.Int("world", config.WorldSizeFromEnv(), "Number of ranks to launch")
	rank       = flag.Int("rank", -1, "Rank of this process (set by the launcher)")
	rendezvous = flag.String("rendezvous", "", "Rendezvous file path (set by the launcher)")

	bufferSize  = flag.Int("buffer", 0, "Reduce buffer size in bytes (0 disables bucketing)")
	accumulate  = flag.Bool("accumulate", false, "Accumulate gradients over micro-batches")
	changeGraph = flag.Bool("change-graph", false, "Flip first-parameter trainability after the first step")
	fp16        = flag.Bool("fp16", false, "Round-trip gradient reductions through fp16")
	amp         = flag.Bool("amp", false, "Run with loss-scaling mixed precision")
	manual      = flag.Bool("manual", false, "Trigger gradient reduction manually")
	twoOptim    = flag.Bool("two-optim", false, "Split parameters across two sharded optimizers")

	timeout     = flag.Duration("timeout", 2*time.Minute, "Per-rank run timeout")
	metricsAddr = flag.String("metrics", "", "Address to serve health and Prometheus metrics on rank 0 (empty disables)")
	logLevel    = flag.String("log-level", "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
	logFormat   = flag.String("log-format", "console", "Log format (console or json)")
)

func buildConfig() config.Config {
	cfg := config.Default()
	cfg.WorldSize = *worldSize
	cfg.ReduceBufferSize = *bufferSize
	cfg.GradAccumulation = *accumulate
	cfg.ChangeTrainGraph = *changeGraph
	cfg.FP16Reduction = *fp16
	cfg.AMP = *amp
	cfg.ManualReduction = *manual
	if *twoOptim {
		cfg.LR = 1e-3
		cfg.Batches = 20
		cfg.BatchSize = 64
	}
	return cfg
}

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)

	cfg := buildConfig()
	if err := cfg.Validate(); err != nil {
		logger.Log.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	if *rank < 0 {
		os.Exit(launch(cfg))
	}
	os.Exit(runRank(cfg))
}

// launch spawns one child per rank and joins them.
func launch(cfg config.Config) int {
	dir, err := os.MkdirTemp("", "volley-parity-")
	if err != nil {
		logger.Log.Error("temp dir", "error", err)
		return 1
	}
	defer os.RemoveAll(dir)
	rdv := filepath.Join(dir, "rendezvous")

	logger.Log.Info("launching parity run",
		"world", cfg.WorldSize,
		"buffer", cfg.ReduceBufferSize,
		"accumulate", cfg.GradAccumulation,
		"change_graph", cfg.ChangeTrainGraph,
		"fp16", cfg.FP16Reduction,
		"amp", cfg.AMP,
		"manual", cfg.ManualReduction,
		"two_optim", *twoOptim,
	)

	children := make([]*exec.Cmd, cfg.WorldSize)
	for r := 0; r < cfg.WorldSize; r++ {
		args := append([]string{}, os.Args[1:]...)
		args = append(args, "-rank", strconv.Itoa(r), "-rendezvous", rdv)
		cmd := exec.Command(os.Args[0], args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			logger.Log.Error("spawn rank", "rank", r, "error", err)
			return 1
		}
		children[r] = cmd
	}

	exitCode := 0
	for r, cmd := range children {
		if err := cmd.Wait(); err != nil {
			logger.Log.Error("rank failed", "rank", r, "error", err)
			exitCode = 1
		}
	}
	if exitCode == 0 {
		logger.Log.Info("parity run passed", "world", cfg.WorldSize)
	}
	return exitCode
}

// runRank executes the configuration on this rank over the Flight backend.
func runRank(cfg config.Config) int {
	log := logger.Log.WithRank(*rank)
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pg, err := comm.NewFlightGroup(ctx, *rendezvous, *rank, cfg.WorldSize)
	if err != nil {
		log.Error("process group init", "error", err)
		return 1
	}
	defer pg.Close()

	var mon *monitoring.Monitor
	if *metricsAddr != "" && *rank == 0 {
		mon = monitoring.NewMonitor(*rank, cfg.WorldSize)
		go func() {
			if err := mon.Start(*metricsAddr); err != nil && err != http.ErrServerClosed {
				log.Warn("monitor server", "error", err)
			}
		}()
		defer mon.Stop(context.Background()) //nolint:errcheck
	}

	var obs parity.StepObserver
	if mon != nil {
		obs = mon
	}
	run := parity.RunConfig
	if *twoOptim {
		run = parity.RunTwoOptim
	}
	if err := run(ctx, pg, cfg, log, obs); err != nil {
		if mon != nil {
			mon.RecordParityFailure(err.Error())
		}
		log.Error("parity mismatch", "error", err)
		return 1
	}

	// Keep ranks aligned until everyone has passed, then tear down.
	if err := pg.Barrier(ctx); err != nil {
		log.Error("final barrier", "error", err)
		return 1
	}
	log.Info("rank passed")
	return 0
}
