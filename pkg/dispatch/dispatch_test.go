package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-riskcap/pkg/design"
	"github.com/dd0wney/cluso-riskcap/pkg/estimate"
	"github.com/dd0wney/cluso-riskcap/pkg/logging"
	"github.com/dd0wney/cluso-riskcap/pkg/metrics"
	"github.com/dd0wney/cluso-riskcap/pkg/network"
)

func triangle() *design.Design {
	links := []network.Link{{1, 2}, {1, 3}, {2, 1}, {2, 3}, {3, 1}, {3, 2}}
	d := design.New(links, []network.Commodity{{1, 2}, {2, 1}})
	d.Capacities = []float64{0, 0.5, 0.5, 0, 0, 0.5}
	d.Routes[1][0] = 1
	d.Routes[5][0] = 1
	d.Routes[2][1] = 1
	return d
}

func request() estimate.SampleRequest {
	return estimate.SampleRequest{
		Design:   triangle(),
		Count:    20_000,
		Proposal: 0.2,
		Demands:  []float64{1, 1},
		Chunks:   6,
		Seed:     11,
	}
}

// startWorkers serves n workers on fresh inproc addresses until the test ends.
func startWorkers(t *testing.T, n int) []string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	addrs := make([]string, n)
	for i := range addrs {
		addrs[i] = fmt.Sprintf("inproc://%s-%d", t.Name(), i)
		w := NewWorker(logging.NewNopLogger(), nil)
		w.pollInterval = 20 * time.Millisecond
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			assert.NoError(t, w.Serve(ctx, addr))
		}(addrs[i])
	}
	return addrs
}

func newCoordinator(t *testing.T, addrs []string) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(CoordinatorConfig{Workers: addrs, ChunkTimeout: 10 * time.Second}, logging.NewNopLogger(), metrics.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRemoteSampleMatchesLocal(t *testing.T) {
	c := newCoordinator(t, startWorkers(t, 3))

	local, err := estimate.NewEstimator(estimate.WithWorkers(2)).Sample(context.Background(), request())
	require.NoError(t, err)
	remote, err := estimate.NewEstimator(estimate.WithRunner(c)).Sample(context.Background(), request())
	require.NoError(t, err)

	assert.Equal(t, local, remote)
	l13, ok := remote.Link(network.Link{From: 1, To: 3})
	require.True(t, ok)
	assert.InDelta(t, 0.2, l13.Probability, 0.02)
}

func TestRunChunksKeepsTaskOrder(t *testing.T) {
	c := newCoordinator(t, startWorkers(t, 2))
	e := estimate.NewEstimator()
	tasks, _, err := e.Tasks(request())
	require.NoError(t, err)

	got, err := c.RunChunks(context.Background(), tasks)
	require.NoError(t, err)
	require.Len(t, got, len(tasks))
	for i, task := range tasks {
		want, err := estimate.RunTask(context.Background(), task)
		require.NoError(t, err)
		assert.Equal(t, want, got[i], "chunk %d", i)
	}
}

func TestRemoteTaskFailureFailsBatch(t *testing.T) {
	c := newCoordinator(t, startWorkers(t, 2))
	tasks, _, err := estimate.NewEstimator().Tasks(request())
	require.NoError(t, err)
	tasks[3].Links = []int{99}

	_, err = c.RunChunks(context.Background(), tasks)
	require.ErrorIs(t, err, ErrChunkFailed)
	assert.Contains(t, err.Error(), "link index 99")
}

func TestRunChunksCancelled(t *testing.T) {
	c := newCoordinator(t, startWorkers(t, 1))
	tasks, _, err := estimate.NewEstimator().Tasks(request())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.RunChunks(ctx, tasks)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewCoordinatorWithoutWorkers(t *testing.T) {
	_, err := NewCoordinator(CoordinatorConfig{}, nil, nil)
	assert.ErrorIs(t, err, ErrNoWorkers)
}

func TestHandleRejectsBadMessages(t *testing.T) {
	w := NewWorker(logging.NewNopLogger(), nil)

	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"garbage", []byte("not json"), "decode request"},
		{"version", []byte(`{"version":7}`), "request version 7"},
		{"no design", mustJSON(t, ChunkRequest{Version: ProtocolVersion, Task: estimate.Task{Chunk: 2}}), "design"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rep ChunkReply
			require.NoError(t, json.Unmarshal(w.Handle(context.Background(), tt.data), &rep))
			assert.Equal(t, ProtocolVersion, rep.Version)
			assert.Nil(t, rep.Sums)
			assert.Contains(t, rep.Error, tt.want)
		})
	}
	assert.Zero(t, w.Served())
}

func TestServingTracksServe(t *testing.T) {
	w := NewWorker(logging.NewNopLogger(), nil)
	w.pollInterval = 10 * time.Millisecond
	assert.False(t, w.Serving())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Serve(ctx, "inproc://"+t.Name()) }()

	require.Eventually(t, w.Serving, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.False(t, w.Serving())
}

func TestDecodeReply(t *testing.T) {
	sums := estimate.NewSums(1)
	ok := mustJSON(t, ChunkReply{Version: ProtocolVersion, Chunk: 4, Sums: &sums})

	_, err := decodeReply(ok, 4)
	require.NoError(t, err)
	_, err = decodeReply(ok, 5)
	assert.ErrorIs(t, err, ErrProtocol)
	_, err = decodeReply(mustJSON(t, ChunkReply{Version: ProtocolVersion, Chunk: 4}), 4)
	assert.ErrorIs(t, err, ErrProtocol)
	_, err = decodeReply(mustJSON(t, ChunkReply{Version: ProtocolVersion, Chunk: 4, Error: "boom"}), 4)
	assert.ErrorIs(t, err, ErrChunkFailed)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
