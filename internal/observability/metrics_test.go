package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestUnaryInterceptorRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewRPCCollector(reg)
	if err != nil {
		t.Fatalf("NewRPCCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	_, err = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		time.Sleep(time.Millisecond)
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("interceptor handler returned error: %v", err)
	}

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("Health", "Check", "OK")); got != 1 {
		t.Fatalf("mac_grpc_requests_total = %v, want 1", got)
	}

	if count := histogramSampleCount(t, reg, "mac_grpc_request_duration_seconds", map[string]string{
		"service": "Health",
		"method":  "Check",
	}); count != 1 {
		t.Fatalf("mac_grpc_request_duration_seconds sample_count = %d, want 1", count)
	}
}

func TestUnaryInterceptorRecordsErrorCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewRPCCollector(reg)
	if err != nil {
		t.Fatalf("NewRPCCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	_, _ = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.NotFound, "unknown carrier")
	})

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("Health", "Check", "NotFound")); got != 1 {
		t.Fatalf("mac_grpc_requests_total error label = %v, want 1", got)
	}
}

func TestSplitMethod(t *testing.T) {
	cases := map[string][2]string{
		"":                             {"unknown", "unknown"},
		"/grpc.health.v1.Health/Watch": {"Health", "Watch"},
		"Check":                        {"unknown", "unknown"},
	}
	for in, want := range cases {
		svc, m := SplitMethod(in)
		if svc != want[0] || m != want[1] {
			t.Fatalf("SplitMethod(%q) = %q, %q, want %q, %q", in, svc, m, want[0], want[1])
		}
	}
}

func TestMACCollectorRecordsPass(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewMACCollector(reg)
	if err != nil {
		t.Fatalf("NewMACCollector: %v", err)
	}

	c.ObservePass(0, 120*time.Microsecond)
	c.AddGrant(0, "ul", false, 1500)
	c.AddGrant(0, "ul", true, 1500)
	c.IncDeferral(0, "dl", "no_rbs")
	c.IncDrop(0, "dl")
	c.IncFeedback(0, true)
	c.SetRBUtilisation(0, "ul", 1.7)
	c.SetAttachedUEs(3)

	if got := testutil.ToFloat64(c.GrantsTotal.WithLabelValues("0", "ul", "new")); got != 1 {
		t.Fatalf("new grants = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.GrantsTotal.WithLabelValues("0", "ul", "retx")); got != 1 {
		t.Fatalf("retx grants = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.GrantedBytesTotal.WithLabelValues("0", "ul")); got != 1500 {
		t.Fatalf("granted bytes = %v, want 1500 (retx not counted)", got)
	}
	if got := testutil.ToFloat64(c.RBUtilisation.WithLabelValues("0", "ul")); got != 1 {
		t.Fatalf("utilisation = %v, want clamped to 1", got)
	}
	if got := testutil.ToFloat64(c.AttachedUEs); got != 3 {
		t.Fatalf("attached ues = %v, want 3", got)
	}
	if count := histogramSampleCount(t, reg, "mac_tti_pass_duration_seconds", map[string]string{"carrier": "0"}); count != 1 {
		t.Fatalf("pass duration sample_count = %d, want 1", count)
	}
}

func TestMACCollectorReusesRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewMACCollector(reg)
	if err != nil {
		t.Fatalf("NewMACCollector: %v", err)
	}
	second, err := NewMACCollector(reg)
	if err != nil {
		t.Fatalf("second NewMACCollector: %v", err)
	}
	second.IncDrop(1, "ul")
	if got := testutil.ToFloat64(first.DropsTotal.WithLabelValues("1", "ul")); got != 1 {
		t.Fatalf("collectors do not share registration: %v", got)
	}
}

func TestNilMACCollectorIsSafe(t *testing.T) {
	var c *MACCollector
	c.ObservePass(0, time.Millisecond)
	c.AddGrant(0, "dl", false, 10)
	c.IncConsistencyViolation(0)
	c.SetControlSymbols(0, 2)
}

func TestMetricsHandlerExposesMACMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewMACCollector(reg)
	if err != nil {
		t.Fatalf("NewMACCollector: %v", err)
	}
	c.AddGrant(2, "dl", false, 100)
	c.SetControlSymbols(2, 3)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{"mac_grants_total", "mac_granted_bytes_total", "mac_control_symbols", "mac_attached_ues"} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output", metric)
		}
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
