package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/req"

	"github.com/dd0wney/cluso-riskcap/pkg/estimate"
	"github.com/dd0wney/cluso-riskcap/pkg/logging"
	"github.com/dd0wney/cluso-riskcap/pkg/metrics"
)

// endpoint is one dialed worker. A REQ socket is lockstep, so each
// endpoint is driven by a single goroutine.
type endpoint struct {
	addr string
	sock mangos.Socket
}

func (e *endpoint) call(r *ChunkRequest) (*ChunkReply, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrProtocol, err)
	}
	if err := e.sock.Send(data); err != nil {
		return nil, fmt.Errorf("send chunk %d to %s: %w", r.Task.Chunk, e.addr, err)
	}
	msg, err := e.sock.Recv()
	if err != nil {
		return nil, fmt.Errorf("receive chunk %d from %s: %w", r.Task.Chunk, e.addr, err)
	}
	return decodeReply(msg, r.Task.Chunk)
}

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	// Workers are the addresses worker processes listen on, e.g.
	// tcp://10.0.0.5:7400.
	Workers []string
	// ChunkTimeout bounds a single round trip.
	ChunkTimeout time.Duration
	RunID        string
}

// Coordinator ships tasks to remote workers and collects their sums.
type Coordinator struct {
	endpoints []*endpoint
	runID     string
	logger    logging.Logger
	metrics   *metrics.Registry
}

// NewCoordinator dials every worker asynchronously, so workers may start
// after the coordinator.
func NewCoordinator(cfg CoordinatorConfig, logger logging.Logger, reg *metrics.Registry) (*Coordinator, error) {
	if len(cfg.Workers) == 0 {
		return nil, ErrNoWorkers
	}
	timeout := cfg.ChunkTimeout
	if timeout <= 0 {
		timeout = DefaultChunkTimeout
	}
	c := &Coordinator{
		runID:   cfg.RunID,
		logger:  logging.OrDefault(logger).With(logging.Component("dispatch")),
		metrics: reg,
	}

	for _, addr := range cfg.Workers {
		sock, err := req.NewSocket()
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("new req socket: %w", err)
		}
		c.endpoints = append(c.endpoints, &endpoint{addr: addr, sock: sock})
		if err := sock.SetOption(mangos.OptionSendDeadline, timeout); err != nil {
			c.Close()
			return nil, err
		}
		if err := sock.SetOption(mangos.OptionRecvDeadline, timeout); err != nil {
			c.Close()
			return nil, err
		}
		if err := sock.DialOptions(addr, map[string]any{mangos.OptionDialAsynch: true}); err != nil {
			c.Close()
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
	}
	c.metrics.SetDispatchWorkers(len(c.endpoints))
	c.logger.Info("dispatch coordinator ready", logging.Int("workers", len(c.endpoints)))
	return c, nil
}

// RunChunks implements estimate.ChunkRunner. Tasks are handed to whichever
// endpoint is free; the first failure cancels the tasks not yet sent and
// fails the batch.
func (c *Coordinator) RunChunks(ctx context.Context, tasks []estimate.Task) ([]estimate.Sums, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make([]estimate.Sums, len(tasks))
	errs := make([]error, len(tasks))
	queue := make(chan int)

	var wg sync.WaitGroup
	for _, ep := range c.endpoints {
		wg.Add(1)
		go func(ep *endpoint) {
			defer wg.Done()
			for i := range queue {
				if err := ctx.Err(); err != nil {
					errs[i] = err
					continue
				}
				start := time.Now()
				rep, err := ep.call(&ChunkRequest{Version: ProtocolVersion, RunID: c.runID, Task: tasks[i]})
				c.metrics.RecordDispatchChunk(time.Since(start), err)
				if err != nil {
					errs[i] = err
					cancel()
					continue
				}
				out[i] = *rep.Sums
				c.logger.Debug("chunk completed",
					logging.Worker(tasks[i].Chunk), logging.String("endpoint", ep.addr),
					logging.Count(tasks[i].Count), logging.Latency(time.Since(start)))
			}
		}(ep)
	}
	for i := range tasks {
		queue <- i
	}
	close(queue)
	wg.Wait()

	return out, firstError(errs)
}

// firstError prefers the lowest-index error that is not a cancellation
// caused by another chunk's failure.
func firstError(errs []error) error {
	var first error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if !errors.Is(err, context.Canceled) {
			return err
		}
		if first == nil {
			first = err
		}
	}
	return first
}

// Close closes every socket.
func (c *Coordinator) Close() error {
	var errs []error
	for _, ep := range c.endpoints {
		if err := ep.sock.Close(); err != nil && !errors.Is(err, mangos.ErrClosed) {
			errs = append(errs, err)
		}
	}
	c.metrics.SetDispatchWorkers(0)
	return errors.Join(errs...)
}

var _ estimate.ChunkRunner = (*Coordinator)(nil)
