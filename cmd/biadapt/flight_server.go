package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"
)

// BiadaptFlightServer predicts pairs received through DoPut. Every record
// needs string columns query and passage and may carry id and label. The
// predictions of each record are returned as CBOR in the put result.
type BiadaptFlightServer struct {
	flight.BaseFlightServer
	srv   *Server
	alloc memory.Allocator
}

func NewBiadaptFlightServer(srv *Server) *BiadaptFlightServer {
	return &BiadaptFlightServer{
		srv:   srv,
		alloc: memory.NewGoAllocator(),
	}
}

func (s *BiadaptFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	return errors.New("DoExchange not implemented")
}

func (s *BiadaptFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	ctx := stream.Context()
	for reader.Next() {
		rec := reader.Record()
		pairs, err := pairsFromRecord(rec)
		if err != nil {
			return err
		}
		log.Info().Int64("rows", rec.NumRows()).Msg("DoPut received batch")

		data, err := s.predict(ctx, pairs)
		if err != nil {
			return err
		}
		if err := stream.Send(&flight.PutResult{AppMetadata: data}); err != nil {
			return err
		}
	}
	return reader.Err()
}

func (s *BiadaptFlightServer) predict(ctx context.Context, pairs []pair) ([]byte, error) {
	weight := int64(len(pairs))
	if weight > int64(s.srv.maxPairs) {
		return nil, fmt.Errorf("record has %d pairs, limit is %d", weight, s.srv.maxPairs)
	}
	if err := s.srv.sem.Acquire(ctx, weight); err != nil {
		return nil, err
	}
	outs, err := s.srv.pred.predict(ctx, pairs)
	s.srv.sem.Release(weight)
	if err != nil {
		return nil, err
	}
	pairsProcessed.Add(float64(len(pairs)))
	if s.srv.pub != nil {
		if err := s.srv.forward(ctx, outs); err != nil {
			log.Error().Err(err).Msg("Error forwarding predictions")
		}
	}
	return cbor.Marshal(predictResponse{
		Mode:    s.srv.pred.backend.Mode().String(),
		Backend: s.srv.pred.backend.Kind().String(),
		Results: outs,
	})
}

// pairsFromRecord reads the pair columns of rec. Missing ids default to the
// row number.
func pairsFromRecord(rec arrow.RecordBatch) ([]pair, error) {
	column := func(name string, required bool) (*array.String, error) {
		idx := rec.Schema().FieldIndices(name)
		if len(idx) == 0 {
			if required {
				return nil, fmt.Errorf("record has no %q column", name)
			}
			return nil, nil
		}
		col, ok := rec.Column(idx[0]).(*array.String)
		if !ok {
			return nil, fmt.Errorf("column %q is %s, want utf8", name, rec.Column(idx[0]).DataType())
		}
		return col, nil
	}
	queries, err := column("query", true)
	if err != nil {
		return nil, err
	}
	passages, err := column("passage", true)
	if err != nil {
		return nil, err
	}
	ids, err := column("id", false)
	if err != nil {
		return nil, err
	}
	labels, err := column("label", false)
	if err != nil {
		return nil, err
	}

	pairs := make([]pair, rec.NumRows())
	for i := range pairs {
		p := pair{ID: fmt.Sprint(i), Query: queries.Value(i), Passage: passages.Value(i)}
		if ids != nil && ids.IsValid(i) {
			p.ID = ids.Value(i)
		}
		if labels != nil && labels.IsValid(i) {
			p.Label = labels.Value(i)
		}
		pairs[i] = p
	}
	return pairs, nil
}

func startFlightServer(ctx context.Context, addr string, srv *Server) error {
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(NewBiadaptFlightServer(srv))
	if err := server.Init(addr); err != nil {
		return fmt.Errorf("init flight server: %w", err)
	}
	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	log.Info().Str("addr", server.Addr().String()).Msg("Starting biadapt Flight server")
	return server.Serve()
}
