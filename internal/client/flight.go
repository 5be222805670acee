package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var tracer = otel.Tracer("biadapt-client")

// FlightPublisher sends records to a dataset on a Flight server. Calls go
// through a circuit breaker so an unreachable server is not retried on
// every batch.
type FlightPublisher struct {
	client  flight.Client
	conn    *grpc.ClientConn
	breaker *CircuitBreaker
}

// NewFlightPublisher connects to addr. The connection is established lazily
// by gRPC on first use.
func NewFlightPublisher(addr string, breaker *CircuitBreaker) (*FlightPublisher, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial flight server %s: %w", addr, err)
	}
	if breaker == nil {
		breaker = NewCircuitBreaker(addr, 5, 30*time.Second)
	}
	return &FlightPublisher{
		client:  flight.NewClientFromConn(conn, nil),
		conn:    conn,
		breaker: breaker,
	}, nil
}

// Publish writes records to dataset in one DoPut stream.
func (p *FlightPublisher) Publish(ctx context.Context, dataset string, recs ...arrow.RecordBatch) error {
	ctx, span := tracer.Start(ctx, "FlightPublisher.Publish", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("dataset", dataset), attribute.Int("records", len(recs)))

	err := p.breaker.Do(func() error { return p.doPut(ctx, dataset, recs) })
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		log.Warn().Err(err).Str("dataset", dataset).Str("breaker", p.breaker.State().String()).Msg("Flight publish failed")
	}
	publishTotal.WithLabelValues(status).Inc()
	return err
}

func (p *FlightPublisher) doPut(ctx context.Context, dataset string, recs []arrow.RecordBatch) error {
	if len(recs) == 0 {
		return nil
	}
	stream, err := p.client.DoPut(ctx)
	if err != nil {
		return err
	}
	w := flight.NewRecordWriter(stream, ipc.WithSchema(recs[0].Schema()))
	w.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{dataset},
	})
	var rows int64
	for _, rec := range recs {
		if err := w.Write(rec); err != nil {
			_ = w.Close()
			return err
		}
		rows += rec.NumRows()
	}
	if err := w.Close(); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	// Drain acknowledgements until the server closes the stream.
	for {
		_, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
	}
	publishedRows.Add(float64(rows))
	return nil
}

func (p *FlightPublisher) Close() error {
	return p.conn.Close()
}
