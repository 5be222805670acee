package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

var (
	pairsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "biadapt_pairs_processed_total",
		Help: "The total number of pairs predicted",
	})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "biadapt_request_duration_seconds",
		Help:    "Time spent processing predict requests",
		Buckets: prometheus.DefBuckets,
	})
)

var tracer = otel.Tracer("biadapt-server")

// predictResponse is the CBOR body returned by /predict.
type predictResponse struct {
	Mode    string       `cbor:"mode"`
	Backend string       `cbor:"backend"`
	Results []taskOutput `cbor:"results"`
}

type Server struct {
	pred    *predictor
	pub     Publisher
	dataset string
	sem     *semaphore.Weighted
	// maxPairs caps a single request so it can always be admitted.
	maxPairs int
}

func NewServer(pred *predictor, pub Publisher, dataset string, maxConcurrent int) *Server {
	maxConcurrent = max(maxConcurrent, 1)
	return &Server{
		pred:     pred,
		pub:      pub,
		dataset:  dataset,
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		maxPairs: maxConcurrent,
	}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/predict", s.handlePredict)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func startServer(ctx context.Context, addr string, srv *Server) error {
	hs := &http.Server{Addr: addr, Handler: srv.routes(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hs.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Str("backend", srv.pred.backend.Kind().String()).Msg("Starting biadapt server")
	if srv.pub != nil {
		log.Info().Str("dataset", srv.dataset).Msg("Forwarding predictions to Flight server")
	}
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handlePredict", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var pairs []pair
	if err := cbor.NewDecoder(r.Body).Decode(&pairs); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}
	if len(pairs) > s.maxPairs {
		http.Error(w, fmt.Sprintf("Too many pairs: %d > %d", len(pairs), s.maxPairs), http.StatusRequestEntityTooLarge)
		return
	}
	for i := range pairs {
		if pairs[i].ID == "" {
			pairs[i].ID = fmt.Sprint(i)
		}
	}
	span.SetAttributes(attribute.Int("pair_count", len(pairs)))

	resp := predictResponse{
		Mode:    s.pred.backend.Mode().String(),
		Backend: s.pred.backend.Kind().String(),
	}
	if len(pairs) > 0 {
		weight := int64(len(pairs))
		if err := s.sem.Acquire(ctx, weight); err != nil {
			log.Error().Err(err).Msg("Failed to acquire semaphore")
			http.Error(w, "Server busy", http.StatusServiceUnavailable)
			return
		}
		outs, err := s.pred.predict(ctx, pairs)
		s.sem.Release(weight)
		if err != nil {
			span.RecordError(err)
			log.Error().Err(err).Int("pairs", len(pairs)).Msg("Prediction failed")
			http.Error(w, fmt.Sprintf("Prediction failed: %v", err), http.StatusUnprocessableEntity)
			return
		}
		pairsProcessed.Add(float64(len(pairs)))
		resp.Results = outs

		if s.pub != nil {
			if err := s.forward(ctx, outs); err != nil {
				log.Error().Err(err).Msg("Error forwarding predictions")
			}
		}
	}

	data, err := cbor.Marshal(resp)
	if err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Encode response: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// forward publishes prediction records to the configured dataset.
func (s *Server) forward(ctx context.Context, outs []taskOutput) error {
	recs, err := s.pred.records(outs)
	if err != nil {
		return err
	}
	defer releaseAll(recs)
	return s.pub.Publish(ctx, s.dataset, recs...)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
