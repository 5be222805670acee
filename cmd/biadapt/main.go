package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-biadapt/internal/client"
	"github.com/23skdu/longbow-biadapt/internal/device"
)

var (
	mode          = flag.String("mode", "predict", "Command: init, embed, predict, eval, export, serve")
	modelDir      = flag.String("model", "model", "Model directory")
	outDir        = flag.String("out", "out", "Output directory for embed and export")
	vocabPath     = flag.String("vocab", "", "Path to vocab file (defaults to the vocab stored with the model)")
	deviceName    = flag.String("device", "cpu", "Device: cpu, cuda[:n], metal")
	inputPath     = flag.String("input", "", "Tab separated query, passage and optional label lines (defaults to a demo set)")
	headSpec      = flag.String("heads", "dot_product:retrieval", "init: comma separated kind:task heads (dot_product, cosine, classification)")
	labelList     = flag.String("labels", "no,yes", "init: label list of classification heads")
	langA         = flag.String("lang-a", "english", "init: language of encoder A")
	langB         = flag.String("lang-b", "english", "init: language of encoder B")
	hiddenSize    = flag.Int("hidden", 128, "init: encoder hidden size")
	seed          = flag.Uint64("seed", 42, "init: weight and dropout seed")
	dropoutProb   = flag.Float64("dropout", 0.1, "init: dropout probability applied to pooled outputs in training")
	maxLen        = flag.Int("max-len", 128, "Maximum tokens per text")
	batchSize     = flag.Int("batch-size", 32, "Pairs per batch")
	tokenCache    = flag.Int("token-cache", 10000, "predict, serve: texts whose token ids are cached (0 disables)")
	workers       = flag.Int("workers", 4, "eval: concurrent batches on a frozen model")
	metricNames   = flag.String("metrics", "", "eval: comma separated metrics overriding each head's metric")
	goldPath      = flag.String("gold", "", "eval: JSON file of expected task/metric scores")
	tolerance     = flag.Float64("tolerance", 1e-3, "eval: allowed absolute difference to gold values")
	serverAddr    = flag.String("server", "", "Flight server receiving embeddings or predictions (e.g. localhost:3000)")
	datasetName   = flag.String("dataset", "biadapt_dataset", "Target dataset name on the Flight server")
	listenAddr    = flag.String("listen", ":8080", "serve: HTTP listen address")
	flightAddr    = flag.String("flight", "", "serve: Flight listen address (e.g. :9090)")
	maxConcurrent = flag.Int("max-concurrent", 1024, "serve: maximum number of pairs in flight")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
	verbose       = flag.Bool("v", false, "Debug logging")
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	log.Debug().Strs("cpu_features", device.CPUFeatures()).Msg("Host CPU")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *mode, flagConfig()); err != nil {
		log.Error().Err(err).Str("mode", *mode).Msg("Command failed")
		stop()
		pprof.StopCPUProfile()
		os.Exit(1)
	}
}

func flagConfig() config {
	return config{
		ModelDir:      *modelDir,
		OutDir:        *outDir,
		VocabPath:     *vocabPath,
		Device:        *deviceName,
		Input:         *inputPath,
		Heads:         *headSpec,
		Labels:        *labelList,
		LangA:         *langA,
		LangB:         *langB,
		Hidden:        *hiddenSize,
		Seed:          *seed,
		Dropout:       *dropoutProb,
		MaxLen:        *maxLen,
		BatchSize:     *batchSize,
		TokenCache:    *tokenCache,
		Workers:       *workers,
		Metrics:       *metricNames,
		Gold:          *goldPath,
		Tolerance:     *tolerance,
		Dataset:       *datasetName,
		MaxConcurrent: *maxConcurrent,
	}
}

func run(ctx context.Context, mode string, cfg config) error {
	var pub Publisher
	if *serverAddr != "" && (mode == "embed" || mode == "predict" || mode == "serve") {
		fp, err := client.NewFlightPublisher(*serverAddr, nil)
		if err != nil {
			return err
		}
		defer func() {
			if err := fp.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight publisher")
			}
		}()
		log.Info().Str("addr", *serverAddr).Str("dataset", cfg.Dataset).Msg("Publishing to Flight server")
		pub = fp
	}

	switch mode {
	case "init":
		return runInit(ctx, cfg)
	case "embed":
		return runEmbed(ctx, cfg, pub)
	case "predict":
		return runPredict(ctx, cfg, os.Stdout, pub)
	case "eval":
		return runEval(ctx, cfg, os.Stdout)
	case "export":
		return runExport(ctx, cfg)
	case "serve":
		return runServe(ctx, cfg, pub)
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
}

// runServe serves /predict over HTTP and, with -flight, DoPut over Flight
// until ctx is cancelled.
func runServe(ctx context.Context, cfg config, pub Publisher) error {
	pred, err := openPredictor(ctx, cfg)
	if err != nil {
		return err
	}
	srv := NewServer(pred, pub, cfg.Dataset, cfg.MaxConcurrent)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return startServer(gctx, *listenAddr, srv) })
	if *flightAddr != "" {
		g.Go(func() error { return startFlightServer(gctx, *flightAddr, srv) })
	}
	return g.Wait()
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
			semconv.ServiceNameKey.String("biadapt"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
