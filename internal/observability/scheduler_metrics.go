package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MACCollector exposes carrier-scheduler Prometheus metrics. All methods
// are safe on a nil collector.
type MACCollector struct {
	gatherer prometheus.Gatherer

	PassDuration          *prometheus.HistogramVec
	GrantsTotal           *prometheus.CounterVec
	GrantedBytesTotal     *prometheus.CounterVec
	DeferralsTotal        *prometheus.CounterVec
	DropsTotal            *prometheus.CounterVec
	FeedbackTotal         *prometheus.CounterVec
	ConsistencyViolations *prometheus.CounterVec
	RBUtilisation         *prometheus.GaugeVec
	ControlSymbols        *prometheus.GaugeVec
	AttachedUEs           prometheus.Gauge
}

// NewMACCollector registers scheduler metrics against the provided registerer.
func NewMACCollector(reg prometheus.Registerer) (*MACCollector, error) {
	reg, gatherer := registryPair(reg)

	pass, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mac_tti_pass_duration_seconds",
		Help:    "Wall time of one carrier scheduling pass.",
		Buckets: []float64{0.00001, 0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005},
	}, []string{"carrier"}), "mac_tti_pass_duration_seconds")
	if err != nil {
		return nil, err
	}

	grants, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mac_grants_total",
		Help: "Data grants issued, labeled by carrier, direction and kind (new or retx).",
	}, []string{"carrier", "dir", "kind"}), "mac_grants_total")
	if err != nil {
		return nil, err
	}

	bytes, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mac_granted_bytes_total",
		Help: "Transport block bytes granted for new data.",
	}, []string{"carrier", "dir"}), "mac_granted_bytes_total")
	if err != nil {
		return nil, err
	}

	deferrals, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mac_deferrals_total",
		Help: "Allocations deferred to a later TTI for lack of resources.",
	}, []string{"carrier", "dir", "reason"}), "mac_deferrals_total")
	if err != nil {
		return nil, err
	}

	drops, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mac_harq_drops_total",
		Help: "Transport blocks discarded after the last allowed transmission failed.",
	}, []string{"carrier", "dir"}), "mac_harq_drops_total")
	if err != nil {
		return nil, err
	}

	feedback, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mac_feedback_indications_total",
		Help: "Uplink HARQ feedback indications published.",
	}, []string{"carrier", "outcome"}), "mac_feedback_indications_total")
	if err != nil {
		return nil, err
	}

	violations, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mac_consistency_violations_total",
		Help: "Internal-consistency violations; each one halts its carrier.",
	}, []string{"carrier"}), "mac_consistency_violations_total")
	if err != nil {
		return nil, err
	}

	util, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mac_rb_utilisation_ratio",
		Help: "Share of resource blocks used by data grants in the last TTI.",
	}, []string{"carrier", "dir"}), "mac_rb_utilisation_ratio")
	if err != nil {
		return nil, err
	}

	cfi, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mac_control_symbols",
		Help: "Control-region span chosen in the last TTI.",
	}, []string{"carrier"}), "mac_control_symbols")
	if err != nil {
		return nil, err
	}

	ues, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mac_attached_ues",
		Help: "Number of UEs currently attached.",
	}), "mac_attached_ues")
	if err != nil {
		return nil, err
	}

	return &MACCollector{
		gatherer:              gatherer,
		PassDuration:          pass,
		GrantsTotal:           grants,
		GrantedBytesTotal:     bytes,
		DeferralsTotal:        deferrals,
		DropsTotal:            drops,
		FeedbackTotal:         feedback,
		ConsistencyViolations: violations,
		RBUtilisation:         util,
		ControlSymbols:        cfi,
		AttachedUEs:           ues,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *MACCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a /metrics handler for the collector's gatherer.
func (c *MACCollector) Handler() http.Handler {
	return handlerFor(c.Gatherer())
}

func carrierLabel(carrier uint32) string {
	return strconv.FormatUint(uint64(carrier), 10)
}

// ObservePass records the duration of one carrier pass.
func (c *MACCollector) ObservePass(carrier uint32, d time.Duration) {
	if c == nil {
		return
	}
	c.PassDuration.WithLabelValues(carrierLabel(carrier)).Observe(d.Seconds())
}

// AddGrant counts one grant. bytes is counted for new data only.
func (c *MACCollector) AddGrant(carrier uint32, dir string, retx bool, bytes int) {
	if c == nil {
		return
	}
	kind := "new"
	if retx {
		kind = "retx"
	}
	label := carrierLabel(carrier)
	c.GrantsTotal.WithLabelValues(label, dir, kind).Inc()
	if !retx && bytes > 0 {
		c.GrantedBytesTotal.WithLabelValues(label, dir).Add(float64(bytes))
	}
}

// IncDeferral counts an allocation pushed to a later TTI.
func (c *MACCollector) IncDeferral(carrier uint32, dir, reason string) {
	if c == nil {
		return
	}
	c.DeferralsTotal.WithLabelValues(carrierLabel(carrier), dir, reason).Inc()
}

// IncDrop counts a discarded transport block.
func (c *MACCollector) IncDrop(carrier uint32, dir string) {
	if c == nil {
		return
	}
	c.DropsTotal.WithLabelValues(carrierLabel(carrier), dir).Inc()
}

// IncFeedback counts a published feedback indication.
func (c *MACCollector) IncFeedback(carrier uint32, ack bool) {
	if c == nil {
		return
	}
	outcome := "nack"
	if ack {
		outcome = "ack"
	}
	c.FeedbackTotal.WithLabelValues(carrierLabel(carrier), outcome).Inc()
}

// IncConsistencyViolation counts a halting defect on carrier.
func (c *MACCollector) IncConsistencyViolation(carrier uint32) {
	if c == nil {
		return
	}
	c.ConsistencyViolations.WithLabelValues(carrierLabel(carrier)).Inc()
}

// SetRBUtilisation sets the share of RBs used in dir, clamped to [0, 1].
func (c *MACCollector) SetRBUtilisation(carrier uint32, dir string, ratio float64) {
	if c == nil {
		return
	}
	ratio = max(0, min(1, ratio))
	c.RBUtilisation.WithLabelValues(carrierLabel(carrier), dir).Set(ratio)
}

// SetControlSymbols records the control-region span of the last TTI.
func (c *MACCollector) SetControlSymbols(carrier uint32, cfi int) {
	if c == nil {
		return
	}
	c.ControlSymbols.WithLabelValues(carrierLabel(carrier)).Set(float64(cfi))
}

// SetAttachedUEs updates the attached UE gauge.
func (c *MACCollector) SetAttachedUEs(n int) {
	if c == nil {
		return
	}
	c.AttachedUEs.Set(float64(n))
}
