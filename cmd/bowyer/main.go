package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-bowyer/internal/cache"
	"github.com/23skdu/longbow-bowyer/internal/checkpoint"
	"github.com/23skdu/longbow-bowyer/internal/config"
	"github.com/23skdu/longbow-bowyer/internal/corpus"
	"github.com/23skdu/longbow-bowyer/internal/model"
	"github.com/23skdu/longbow-bowyer/internal/optim"
	"github.com/23skdu/longbow-bowyer/internal/tokenizer"
	"github.com/23skdu/longbow-bowyer/internal/tracking"
	"github.com/23skdu/longbow-bowyer/internal/train"
)

var def = config.Default()

var (
	flagSeed      = flag.Int64("seed", def.Seed, "Random seed for init, shuffling and masking")
	flagDataDir   = flag.String("data-dir", def.DataDir, "Directory holding the corpus and vocab files")
	flagTrainFile = flag.String("train-file", def.TrainFile, "Training corpus file name")
	flagDevFile   = flag.String("dev-file", def.DevFile, "Dev corpus file name (empty disables evaluation)")
	flagVocabFile = flag.String("vocab", def.VocabFile, "Vocabulary file name")
	flagSaveDir   = flag.String("save-dir", def.SaveDir, "Directory for the final model artifacts")
	flagCacheDir  = flag.String("cache-dir", "", "Directory for the Arrow token cache (empty disables caching)")

	flagMaxSeqLen = flag.Int("max-seq-len", def.MaxSeqLen, "Maximum sequence length including special tokens")
	flagBatchSize = flag.Int("batch-size", def.BatchSize, "Micro-batch size per rank")
	flagGradAcc   = flag.Int("grad-acc-steps", def.GradAccSteps, "Micro-batches accumulated per optimizer step")
	flagEpochs    = flag.Int("epochs", def.Epochs, "Number of passes over the training shard")

	flagLR          = flag.Float64("learning-rate", def.LearningRate, "Peak learning rate")
	flagWarmup      = flag.Float64("warmup-proportion", def.WarmupProportion, "Fraction of total steps spent warming up")
	flagWeightDecay = flag.Float64("weight-decay", def.WeightDecay, "AdamW weight decay")
	flagClipNorm    = flag.Float64("grad-clip-norm", def.GradClipNorm, "Global gradient norm clip (<=0 disables)")

	flagHidden       = flag.Int("hidden-size", 768, "Transformer hidden size")
	flagLayers       = flag.Int("num-layers", 12, "Number of encoder layers")
	flagHeads        = flag.Int("num-heads", 12, "Number of attention heads")
	flagIntermediate = flag.Int("intermediate-size", 3072, "Feed-forward inner size")

	flagEvalEvery = flag.Int("evaluate-every", def.EvaluateEvery, "Optimizer steps between dev evaluations")
	flagLogEvery  = flag.Int("log-every", def.LogEvery, "Optimizer steps between log lines")

	flagCheckpointRoot  = flag.String("checkpoint-root", "", "Checkpoint directory (empty disables checkpointing)")
	flagCheckpointEvery = flag.Int("checkpoint-every", 0, "Optimizer steps between checkpoints")
	flagResume          = flag.Bool("resume", false, "Resume from the latest checkpoint under --checkpoint-root")

	flagTrackingURI = flag.String("tracking-uri", "", "Arrow Flight tracking server address (empty disables tracking)")
	flagExperiment  = flag.String("experiment", def.Experiment, "Tracking experiment name")
	flagRunName     = flag.String("run-name", def.RunName, "Tracking run name")

	flagLocalRank = flag.Int("local_rank", -1, "Rank of this process in a distributed run (-1 for single process)")
	flagWorldSize = flag.Int("world-size", 1, "Number of processes sharing the corpus")

	flagListen     = flag.String("listen", "", "Address for the /metrics and /health HTTP server (e.g. :8080)")
	flagOTel       = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	flagCPUProfile = flag.String("cpuprofile", "", "Write cpu profile to file")
)

func buildRunConfig() config.RunConfig {
	cfg := def
	cfg.Seed = *flagSeed
	cfg.DataDir = *flagDataDir
	cfg.TrainFile = *flagTrainFile
	cfg.DevFile = *flagDevFile
	cfg.VocabFile = *flagVocabFile
	cfg.SaveDir = *flagSaveDir
	cfg.CacheDir = *flagCacheDir
	cfg.MaxSeqLen = *flagMaxSeqLen
	cfg.BatchSize = *flagBatchSize
	cfg.GradAccSteps = *flagGradAcc
	cfg.Epochs = *flagEpochs
	cfg.LearningRate = *flagLR
	cfg.WarmupProportion = *flagWarmup
	cfg.WeightDecay = *flagWeightDecay
	cfg.GradClipNorm = *flagClipNorm
	cfg.EvaluateEvery = *flagEvalEvery
	cfg.LogEvery = *flagLogEvery
	cfg.CheckpointRoot = *flagCheckpointRoot
	cfg.CheckpointEvery = *flagCheckpointEvery
	cfg.TrackingURI = *flagTrackingURI
	cfg.Experiment = *flagExperiment
	cfg.RunName = *flagRunName
	cfg.LocalRank = *flagLocalRank
	cfg.WorldSize = *flagWorldSize
	return cfg
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if *flagOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	if *flagCPUProfile != "" {
		f, err := os.Create(*flagCPUProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	cfg := buildRunConfig()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid run configuration")
	}
	log.Info().
		Int64("seed", cfg.Seed).
		Int("local_rank", cfg.LocalRank).
		Int("world_size", cfg.WorldSize).
		Msg("Starting pretraining run")

	if *flagListen != "" {
		go serveMetrics(*flagListen)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Tokenizer and data pipelines. The sequence cache is shared so the
	// dev pipeline reuses sentences the train pipeline already encoded.
	tok, err := tokenizer.NewWordPieceTokenizer(cfg.VocabPath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load tokenizer")
	}
	log.Info().Int("vocab_size", tok.VocabSize()).Msg("Tokenizer ready")

	seqCache := cache.NewMapCache()
	pipeOpts := []corpus.Option{corpus.WithSequenceCache(seqCache)}
	if cfg.CacheDir != "" {
		pipeOpts = append(pipeOpts, corpus.WithArrowCache(cfg.CacheDir))
	}
	pipeCfg := corpus.Config{
		MaxSeqLen: cfg.MaxSeqLen,
		BatchSize: cfg.BatchSize,
		Rank:      cfg.Rank(),
		WorldSize: cfg.WorldSize,
		Seed:      cfg.Seed,
	}

	trainPipe, err := corpus.NewPipeline(cfg.TrainPath(), tok, pipeCfg, pipeOpts...)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.TrainPath()).Msg("Failed to build training pipeline")
	}
	log.Info().
		Int("documents", trainPipe.TotalDocuments()).
		Int("shard_documents", trainPipe.ShardSize()).
		Int("batches_per_epoch", trainPipe.BatchesPerEpoch()).
		Msg("Training corpus loaded")

	var devPipe *corpus.Pipeline
	if cfg.DevPath() != "" {
		devPipe, err = corpus.NewPipeline(cfg.DevPath(), tok, pipeCfg, pipeOpts...)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.DevPath()).Msg("Failed to build dev pipeline")
		}
		log.Info().Int("documents", devPipe.TotalDocuments()).Msg("Dev corpus loaded")
	}

	// Model. The prediction-head width follows the loaded vocabulary.
	arch := model.DefaultConfig(tok.VocabSize())
	arch.HiddenSize = *flagHidden
	arch.NumLayers = *flagLayers
	arch.NumHeads = *flagHeads
	arch.IntermediateSize = *flagIntermediate
	if arch.MaxPositionEmbeddings < cfg.MaxSeqLen {
		arch.MaxPositionEmbeddings = cfg.MaxSeqLen
	}

	bert, err := model.New(arch, rand.New(rand.NewSource(cfg.Seed)))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build model")
	}
	log.Info().
		Int("parameters", bert.NumParameters()).
		Int("hidden_size", arch.HiddenSize).
		Int("layers", arch.NumLayers).
		Msg("Model assembled")

	// Optimizer and schedule, sized from the corpus.
	totalSteps := cfg.TotalOptimizerSteps(trainPipe.TotalDocuments())
	warmupSteps := cfg.WarmupSteps(totalSteps)
	adamCfg := optim.DefaultAdamWConfig()
	adamCfg.WeightDecay = cfg.WeightDecay
	opt, err := optim.NewAdamW(bert.Params(), adamCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build optimizer")
	}
	sched, err := optim.NewLinearWarmup(cfg.LearningRate, warmupSteps, totalSteps)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build schedule")
	}
	log.Info().Int("total_steps", totalSteps).Int("warmup_steps", warmupSteps).Msg("Schedule sized")

	// Tracking.
	var tracker tracking.Tracker = tracking.Noop{}
	if cfg.TrackingURI != "" {
		ft, err := tracking.NewFlightTracker(cfg.TrackingURI, cfg.Experiment, runNameForRank(cfg))
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect tracking server")
		}
		tracker = ft
	}
	defer func() { _ = tracker.Close() }()

	if err := tracker.StartRun(ctx, runParams(cfg, arch, totalSteps)); err != nil {
		log.Fatal().Err(err).Msg("Failed to start tracking run")
	}

	// Checkpointing.
	var ckptMgr *checkpoint.Manager
	if cfg.CheckpointRoot != "" {
		ckptMgr, err = checkpoint.NewManager(cfg.CheckpointRoot)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open checkpoint root")
		}
	}

	trainer, err := train.New(train.Options{
		Config:      cfg,
		Model:       bert,
		Optimizer:   opt,
		Schedule:    sched,
		Train:       trainPipe,
		Dev:         devPipe,
		Tracker:     tracker,
		Checkpoints: ckptMgr,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build trainer")
	}

	if *flagResume {
		resumed, err := trainer.Resume()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to resume from checkpoint")
		}
		if !resumed {
			log.Info().Msg("No checkpoint found, starting from scratch")
		}
	}

	if err := trainer.Train(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warn().Int("step", trainer.GlobalStep()).Msg("Training interrupted")
			_ = tracker.EndRun(context.Background(), "KILLED")
			os.Exit(130)
		}
		_ = tracker.EndRun(context.Background(), "FAILED")
		log.Fatal().Err(err).Msg("Training failed")
	}
	log.Info().Int("steps", trainer.GlobalStep()).Msg("Training complete")

	// Final artifacts: weights, architecture, vocab and the processing
	// description needed to rebuild an equivalent pipeline.
	saveDir := cfg.RankSaveDir()
	if err := bert.Save(saveDir); err != nil {
		log.Fatal().Err(err).Str("dir", saveDir).Msg("Failed to save model")
	}
	if err := tok.SaveVocab(saveDir); err != nil {
		log.Fatal().Err(err).Str("dir", saveDir).Msg("Failed to save vocab")
	}
	if err := corpus.SaveProcessorConfig(saveDir, corpus.ProcessorConfig{
		MaxSeqLen:   cfg.MaxSeqLen,
		DoLowerCase: true,
		TrainFile:   cfg.TrainFile,
		DevFile:     cfg.DevFile,
	}); err != nil {
		log.Fatal().Err(err).Str("dir", saveDir).Msg("Failed to save processor config")
	}
	log.Info().Str("dir", saveDir).Msg("Model artifacts saved")

	if err := tracker.EndRun(context.Background(), "FINISHED"); err != nil {
		log.Warn().Err(err).Msg("Failed to end tracking run")
	}
}

// runNameForRank keeps distributed processes from writing into the same
// tracking run.
func runNameForRank(cfg config.RunConfig) string {
	if cfg.LocalRank < 0 {
		return cfg.RunName
	}
	return fmt.Sprintf("%s-rank%d", cfg.RunName, cfg.LocalRank)
}

func runParams(cfg config.RunConfig, arch model.Config, totalSteps int) map[string]string {
	return map[string]string{
		"seed":              fmt.Sprintf("%d", cfg.Seed),
		"max_seq_len":       fmt.Sprintf("%d", cfg.MaxSeqLen),
		"batch_size":        fmt.Sprintf("%d", cfg.BatchSize),
		"grad_acc_steps":    fmt.Sprintf("%d", cfg.GradAccSteps),
		"epochs":            fmt.Sprintf("%d", cfg.Epochs),
		"learning_rate":     fmt.Sprintf("%g", cfg.LearningRate),
		"warmup_proportion": fmt.Sprintf("%g", cfg.WarmupProportion),
		"weight_decay":      fmt.Sprintf("%g", cfg.WeightDecay),
		"total_steps":       fmt.Sprintf("%d", totalSteps),
		"hidden_size":       fmt.Sprintf("%d", arch.HiddenSize),
		"num_layers":        fmt.Sprintf("%d", arch.NumLayers),
		"num_heads":         fmt.Sprintf("%d", arch.NumHeads),
		"vocab_size":        fmt.Sprintf("%d", arch.VocabSize),
		"local_rank":        fmt.Sprintf("%d", cfg.LocalRank),
		"world_size":        fmt.Sprintf("%d", cfg.WorldSize),
	}
}

func serveMetrics(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	log.Info().Str("addr", addr).Msg("Metrics server listening")
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Error().Err(err).Msg("Metrics server stopped")
	}
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("bowyer"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
