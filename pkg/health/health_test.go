package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-riskcap/pkg/design"
	"github.com/dd0wney/cluso-riskcap/pkg/network"
)

func fixed(status Status) CheckFunc {
	return func(context.Context) Check { return Check{Status: status, Message: string(status)} }
}

func TestCheckWorstStatusWins(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"empty", nil, StatusHealthy},
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"unhealthy beats degraded", []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker()
			for i, s := range tt.statuses {
				c.Register(string(rune('a'+i)), fixed(s))
			}
			resp := c.Check(context.Background())
			assert.Equal(t, tt.want, resp.Status)
			assert.Len(t, resp.Checks, len(tt.statuses))
		})
	}
}

func TestCheckFillsNameAndTiming(t *testing.T) {
	c := NewChecker()
	c.Register("store", fixed(StatusHealthy))

	resp := c.Check(context.Background())
	check := resp.Checks["store"]
	assert.Equal(t, "store", check.Name)
	assert.False(t, check.LastChecked.IsZero())
	assert.GreaterOrEqual(t, resp.Uptime, time.Duration(0))
}

func TestReadinessIncludesLiveness(t *testing.T) {
	c := NewChecker()
	c.Register("memory", fixed(StatusHealthy))
	c.RegisterReadiness("worker", fixed(StatusUnhealthy))

	assert.Equal(t, StatusHealthy, c.Check(context.Background()).Status)
	ready := c.CheckReadiness(context.Background())
	assert.Equal(t, StatusUnhealthy, ready.Status)
	assert.Len(t, ready.Checks, 2)
}

func TestCheckGetsDeadline(t *testing.T) {
	c := NewChecker()
	c.timeout = 20 * time.Millisecond
	c.Register("slow", func(ctx context.Context) Check {
		<-ctx.Done()
		return Check{Status: StatusUnhealthy, Message: ctx.Err().Error()}
	})

	resp := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Equal(t, context.DeadlineExceeded.Error(), resp.Checks["slow"].Message)
}

func TestHandlers(t *testing.T) {
	c := NewChecker()
	c.Register("memory", fixed(StatusDegraded))
	c.RegisterReadiness("worker", fixed(StatusHealthy))

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusDegraded, resp.Status)

	rec = httptest.NewRecorder()
	c.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandlerUnhealthy(t *testing.T) {
	c := NewChecker()
	c.Register("store", fixed(StatusUnhealthy))

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

type brokenStore struct{ design.Store }

func (brokenStore) List(context.Context) ([]string, error) {
	return nil, errors.New("bucket unreachable")
}

func TestStoreCheck(t *testing.T) {
	store, err := design.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	d := design.New([]network.Link{{From: 1, To: 2}}, []network.Commodity{{Source: 1, Destination: 2}})
	_, err = store.Put(context.Background(), d)
	require.NoError(t, err)

	check := StoreCheck(store)(context.Background())
	assert.Equal(t, StatusHealthy, check.Status)
	assert.Equal(t, 1, check.Details["designs"])

	check = StoreCheck(brokenStore{})(context.Background())
	assert.Equal(t, StatusUnhealthy, check.Status)
	assert.Equal(t, "bucket unreachable", check.Message)
}

func TestWorkerCheck(t *testing.T) {
	serving := false
	check := WorkerCheck(func() bool { return serving }, func() int64 { return 7 })

	got := check(context.Background())
	assert.Equal(t, StatusUnhealthy, got.Status)
	assert.Equal(t, int64(7), got.Details["chunks_served"])

	serving = true
	assert.Equal(t, StatusHealthy, check(context.Background()).Status)
}

func TestMemoryCheck(t *testing.T) {
	assert.Equal(t, StatusHealthy, MemoryCheck(0)(context.Background()).Status)
	assert.Equal(t, StatusDegraded, MemoryCheck(1)(context.Background()).Status)
}
