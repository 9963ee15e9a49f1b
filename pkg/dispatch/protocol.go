// Package dispatch spreads fused validation chunks over worker processes
// with nanomsg REQ/REP sockets. The coordinator implements
// estimate.ChunkRunner, so an Estimator can sample remotely without
// knowing it.
package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dd0wney/cluso-riskcap/pkg/estimate"

	// Register all transports
	_ "go.nanomsg.org/mangos/v3/transport/all"
)

// ProtocolVersion is carried in every message; workers reject others.
const ProtocolVersion = 1

const (
	DefaultChunkTimeout = 5 * time.Minute
	DefaultPollInterval = 250 * time.Millisecond
)

var (
	// ErrNoWorkers is returned when a coordinator is built without endpoints.
	ErrNoWorkers = errors.New("no dispatch workers")

	// ErrChunkFailed wraps an error reported by a worker for one chunk.
	ErrChunkFailed = errors.New("remote chunk failed")

	// ErrProtocol is returned for undecodable or mismatched messages.
	ErrProtocol = errors.New("dispatch protocol error")
)

// ChunkRequest is sent by the coordinator to a worker.
type ChunkRequest struct {
	Version int           `json:"version"`
	RunID   string        `json:"run_id,omitempty"`
	Task    estimate.Task `json:"task"`
}

// ChunkReply is the worker's answer. Exactly one of Sums and Error is set.
type ChunkReply struct {
	Version int            `json:"version"`
	Chunk   int            `json:"chunk"`
	Worker  string         `json:"worker,omitempty"`
	Sums    *estimate.Sums `json:"sums,omitempty"`
	Error   string         `json:"error,omitempty"`
	Elapsed time.Duration  `json:"elapsed_ns"`
}

func decodeRequest(data []byte) (*ChunkRequest, error) {
	var req ChunkRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("%w: decode request: %v", ErrProtocol, err)
	}
	if req.Version != ProtocolVersion {
		return nil, fmt.Errorf("%w: request version %d, want %d", ErrProtocol, req.Version, ProtocolVersion)
	}
	return &req, nil
}

func decodeReply(data []byte, chunk int) (*ChunkReply, error) {
	var rep ChunkReply
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("%w: decode reply: %v", ErrProtocol, err)
	}
	if rep.Version != ProtocolVersion {
		return nil, fmt.Errorf("%w: reply version %d, want %d", ErrProtocol, rep.Version, ProtocolVersion)
	}
	if rep.Chunk != chunk {
		return nil, fmt.Errorf("%w: reply for chunk %d, want %d", ErrProtocol, rep.Chunk, chunk)
	}
	if rep.Error != "" {
		return nil, fmt.Errorf("%w: chunk %d on %s: %s", ErrChunkFailed, chunk, rep.Worker, rep.Error)
	}
	if rep.Sums == nil {
		return nil, fmt.Errorf("%w: chunk %d reply carries no sums", ErrProtocol, chunk)
	}
	return &rep, nil
}
