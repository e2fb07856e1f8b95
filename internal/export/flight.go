package export

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-surprisal/internal/logger"
)

const (
	// DefaultFlightPath is the descriptor path results are put under.
	DefaultFlightPath = "surprisal"
	flightBatchRows   = 256
)

// FlightSink streams records to an Arrow Flight server over one DoPut call.
type FlightSink struct {
	addr string
	path string

	client flight.Client
	stream flight.FlightService_DoPutClient
	writer *flight.Writer
	cancel context.CancelFunc
	rows   *batch
	sent   int
}

// NewFlightSink returns an unconnected sink for addr (host:port). Records
// are tagged with the descriptor path; empty uses DefaultFlightPath.
func NewFlightSink(addr, path string) *FlightSink {
	if path == "" {
		path = DefaultFlightPath
	}
	return &FlightSink{addr: addr, path: path}
}

// Connect dials the server and opens the DoPut stream.
func (fs *FlightSink) Connect(ctx context.Context) error {
	client, err := flight.NewClientWithMiddleware(fs.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}

	// The stream outlives Connect; it ends when the sink is closed.
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := client.DoPut(sctx)
	if err != nil {
		cancel()
		_ = client.Close()
		return fmt.Errorf("failed to open DoPut stream to %s: %w", fs.addr, err)
	}

	fs.client = client
	fs.stream = stream
	fs.cancel = cancel
	fs.writer = flight.NewRecordWriter(stream, ipc.WithSchema(Schema))
	fs.writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{fs.path},
	})
	fs.rows = newBatch(memory.DefaultAllocator)
	logger.Log.Info("Flight sink connected", "addr", fs.addr, "path", fs.path)
	return nil
}

func (fs *FlightSink) Write(_ context.Context, r Record) error {
	if fs.writer == nil {
		return errors.New("flight sink not connected, call Connect() first")
	}
	fs.rows.append(r)
	if fs.rows.n >= flightBatchRows {
		return fs.flush()
	}
	return nil
}

func (fs *FlightSink) flush() error {
	if fs.rows.n == 0 {
		return nil
	}
	n := fs.rows.n
	rec := fs.rows.flush()
	defer rec.Release()
	if err := fs.writer.Write(rec); err != nil {
		return fmt.Errorf("failed to write record batch: %w", err)
	}
	fs.sent += n
	return nil
}

// Close flushes buffered rows, ends the stream and waits for the server to
// acknowledge it.
func (fs *FlightSink) Close() error {
	if fs.writer == nil {
		return nil
	}
	err := fs.flush()
	fs.rows.release()
	if cerr := fs.writer.Close(); err == nil {
		err = cerr
	}
	if cerr := fs.stream.CloseSend(); err == nil {
		err = cerr
	}
	for err == nil {
		if _, rerr := fs.stream.Recv(); rerr != nil {
			if !errors.Is(rerr, io.EOF) {
				err = fmt.Errorf("flight DoPut: %w", rerr)
			}
			break
		}
	}
	fs.cancel()
	if cerr := fs.client.Close(); err == nil {
		err = cerr
	}
	fs.writer = nil
	logger.Log.Info("Flight sink closed", "addr", fs.addr, "rows", fs.sent)
	return err
}
