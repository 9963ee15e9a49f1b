package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/rep"

	"github.com/dd0wney/cluso-riskcap/pkg/estimate"
	"github.com/dd0wney/cluso-riskcap/pkg/logging"
	"github.com/dd0wney/cluso-riskcap/pkg/metrics"
)

// Worker answers chunk requests on a REP socket.
type Worker struct {
	name         string
	pollInterval time.Duration
	logger       logging.Logger
	metrics      *metrics.Registry

	serving atomic.Bool
	served  atomic.Int64
}

// NewWorker returns a worker named after the host and process.
func NewWorker(logger logging.Logger, reg *metrics.Registry) *Worker {
	host, _ := os.Hostname()
	return &Worker{
		name:         fmt.Sprintf("%s/%d", host, os.Getpid()),
		pollInterval: DefaultPollInterval,
		logger:       logging.OrDefault(logger).With(logging.Component("dispatch-worker")),
		metrics:      reg,
	}
}

// Handle evaluates one encoded request and returns the encoded reply.
// Task errors travel back in the reply rather than failing the worker.
func (w *Worker) Handle(ctx context.Context, data []byte) []byte {
	start := time.Now()
	reply := ChunkReply{Version: ProtocolVersion, Worker: w.name}

	req, err := decodeRequest(data)
	if err == nil {
		reply.Chunk = req.Task.Chunk
		var sums estimate.Sums
		sums, err = estimate.RunTask(ctx, req.Task)
		if err == nil {
			reply.Sums = &sums
		}
	}
	reply.Elapsed = time.Since(start)
	if err != nil {
		reply.Error = err.Error()
		w.metrics.RecordChunk("error")
		w.logger.Warn("chunk failed", logging.Worker(reply.Chunk), logging.Error(err))
	} else {
		w.served.Add(1)
		w.metrics.RecordChunk("success")
		w.logger.Debug("chunk served",
			logging.Worker(reply.Chunk), logging.Count(req.Task.Count),
			logging.RunID(req.RunID), logging.Latency(reply.Elapsed))
	}

	out, err := json.Marshal(reply)
	if err != nil {
		// a reply without sums is always encodable
		out, _ = json.Marshal(ChunkReply{Version: ProtocolVersion, Chunk: reply.Chunk, Worker: w.name, Error: err.Error()})
	}
	return out
}

// Serving reports whether Serve is accepting requests.
func (w *Worker) Serving() bool { return w.serving.Load() }

// Served is the number of chunks answered successfully.
func (w *Worker) Served() int64 { return w.served.Load() }

// Serve listens on addr and answers requests until ctx is done.
func (w *Worker) Serve(ctx context.Context, addr string) error {
	sock, err := rep.NewSocket()
	if err != nil {
		return fmt.Errorf("new rep socket: %w", err)
	}
	defer sock.Close()

	if err := sock.SetOption(mangos.OptionRecvDeadline, w.pollInterval); err != nil {
		return err
	}
	if err := sock.Listen(addr); err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	w.logger.Info("dispatch worker listening", logging.String("addr", addr), logging.String("worker", w.name))
	w.serving.Store(true)
	defer w.serving.Store(false)

	for {
		if ctx.Err() != nil {
			w.logger.Info("dispatch worker stopped", logging.String("addr", addr))
			return nil
		}
		msg, err := sock.Recv()
		if errors.Is(err, mangos.ErrRecvTimeout) {
			continue
		}
		if err != nil {
			return fmt.Errorf("receive on %s: %w", addr, err)
		}
		if err := sock.Send(w.Handle(ctx, msg)); err != nil {
			w.logger.Warn("reply not sent", logging.Error(err))
		}
	}
}
