package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"

	"github.com/signalsfoundry/enb-scheduler/internal/logging"
	"github.com/signalsfoundry/enb-scheduler/internal/mac"
	"github.com/signalsfoundry/enb-scheduler/internal/observability"
	"github.com/signalsfoundry/enb-scheduler/kb"
	"github.com/signalsfoundry/enb-scheduler/model"
	"github.com/signalsfoundry/enb-scheduler/timectrl"
)

func newTestCell(t *testing.T) (*kb.UEDatabase, *mac.Cell) {
	t.Helper()
	cfg := model.DefaultCarrierConfig(0, 25)
	cfg.PRACH.Period = 0
	db := kb.NewUEDatabase([]model.CarrierConfig{cfg})
	cell, err := mac.NewCell(db, timectrl.NewClock(0), mac.CellOptions{})
	require.NoError(t, err)
	return db, cell
}

// haltCarrier makes two uplink processes share a feedback slot so the next
// pass on carrier 0 fails its consistency check.
func haltCarrier(t *testing.T, db *kb.UEDatabase, cell *mac.Cell) {
	t.Helper()
	for i, rnti := range []uint16{0x50, 0x51} {
		cfg := model.DefaultUEConfig(rnti, 0)
		cfg.SRIndex, cfg.CQIIndex = 10+2*i, 11+2*i
		ue, err := db.AddUE(cfg)
		require.NoError(t, err)
		proc := ue.HARQ(0, model.Uplink)[0]
		require.NoError(t, proc.NewTransmission(model.Resource{
			RBs:      model.RBRange{Start: 2 + 4*i, Len: 4},
			CQI:      10,
			TBS:      100,
			CCE:      model.CCELocation{Start: i, Level: 1},
			Feedback: model.FeedbackResource{Group: 0, Seq: 1},
		}, timectrl.NewTTI(4)))
		require.NoError(t, proc.SetOutcome(timectrl.NewTTI(4), true))
	}
	_, err := cell.RunTTI(context.Background(), timectrl.NewTTI(8))
	require.Error(t, err)
}

func get(t *testing.T, h http.Handler, path string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthReportsHaltedCarrier(t *testing.T) {
	db, cell := newTestCell(t)
	srv := New(cell, db, nil, nil)

	rec := get(t, srv, "/healthz", requestIDHeader, "req-1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-1", rec.Header().Get(requestIDHeader))

	haltCarrier(t, db, cell)
	rec = get(t, srv, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "halted", body["carrier_0"])
}

func TestCarrierViews(t *testing.T) {
	db, cell := newTestCell(t)
	ue, err := db.AddUE(model.DefaultUEConfig(0x46, 0))
	require.NoError(t, err)
	ue.AddDownlinkBytes(100)
	_, _, err = cell.Step(context.Background())
	require.NoError(t, err)

	srv := New(cell, db, nil, logging.Noop())
	rec := get(t, srv, "/debug/carriers")
	require.Equal(t, http.StatusOK, rec.Code)
	var views []CarrierView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, 25, views[0].NumPRB)
	assert.Equal(t, 1, views[0].UEs)
	assert.False(t, views[0].Halted)
	require.NotNil(t, views[0].LastPass)
	assert.Equal(t, 1, views[0].LastPass.DLGrants)

	assert.Equal(t, http.StatusOK, get(t, srv, "/debug/carriers/0").Code)
	assert.Equal(t, http.StatusNotFound, get(t, srv, "/debug/carriers/7").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/debug/carriers/first").Code)
}

func TestUEViews(t *testing.T) {
	db, cell := newTestCell(t)
	ue, err := db.AddUE(model.DefaultUEConfig(0x46, 0))
	require.NoError(t, err)
	ue.AddDownlinkBytes(100000)
	ue.AddUplinkBytes(10)
	_, _, err = cell.Step(context.Background())
	require.NoError(t, err)

	srv := New(cell, db, nil, nil)
	rec := get(t, srv, "/debug/ues/0x46")
	require.Equal(t, http.StatusOK, rec.Code)
	var view UEView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "0x0046", view.RNTI)
	assert.Equal(t, "pf", view.Policy)
	assert.Equal(t, 10, view.CQI["0"])
	assert.Less(t, view.DLBacklog, 100000)
	assert.Contains(t, view.BusyHARQ, "0/dl/0")

	rec = get(t, srv, "/debug/ues")
	require.Equal(t, http.StatusOK, rec.Code)
	var all []UEView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Len(t, all, 1)

	assert.Equal(t, http.StatusNotFound, get(t, srv, "/debug/ues/71").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/debug/ues/70000").Code)
}

func TestMetricsRoute(t *testing.T) {
	db, cell := newTestCell(t)
	assert.Equal(t, http.StatusNotFound, get(t, New(cell, db, nil, nil), "/metrics").Code)

	collector, err := observability.NewMACCollector(prometheus.NewRegistry())
	require.NoError(t, err)
	collector.SetAttachedUEs(3)
	rec := get(t, New(cell, db, collector.Handler(), nil), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "attached")
}

func TestGRPCHealthFollowsCarriers(t *testing.T) {
	db, cell := newTestCell(t)
	h := NewHealth(cell)
	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		resp, err := h.Server().Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		return resp.GetStatus()
	}
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(CarrierServiceName(0)))

	haltCarrier(t, db, cell)
	h.Refresh()
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(""))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(CarrierServiceName(0)))
}

func TestRequestIDInterceptorUsesMetadata(t *testing.T) {
	icpt := RequestIDUnaryServerInterceptor(nil)
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(requestIDMetadataKey, "abc"))
	_, err := icpt(ctx, nil, info, func(ctx context.Context, _ any) (any, error) {
		assert.Equal(t, "abc", logging.RequestIDFromContext(ctx))
		assert.NotNil(t, logging.LoggerFromContext(ctx))
		return nil, nil
	})
	require.NoError(t, err)

	_, err = icpt(context.Background(), nil, info, func(ctx context.Context, _ any) (any, error) {
		assert.NotEmpty(t, logging.RequestIDFromContext(ctx))
		return nil, nil
	})
	require.NoError(t, err)
}

func TestTracingInterceptorPassesErrors(t *testing.T) {
	icpt := TracingUnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	_, err := icpt(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return nil, assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
}

type countingLock struct{ locks, unlocks int }

func (c *countingLock) Lock()   { c.locks++ }
func (c *countingLock) Unlock() { c.unlocks++ }

func TestDebugViewsHoldLock(t *testing.T) {
	db, cell := newTestCell(t)
	l := &countingLock{}
	srv := New(cell, db, nil, nil, WithLock(l))

	get(t, srv, "/debug/carriers")
	get(t, srv, "/debug/ues")
	get(t, srv, "/healthz")
	assert.Equal(t, 3, l.locks)
	assert.Equal(t, 3, l.unlocks)
}
