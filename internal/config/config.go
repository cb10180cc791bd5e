// Package config loads the YAML configuration shared by the scheduler
// daemon and the simulator CLI.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/enb-scheduler/internal/logging"
	"github.com/signalsfoundry/enb-scheduler/internal/mac"
	"github.com/signalsfoundry/enb-scheduler/internal/observability"
	"github.com/signalsfoundry/enb-scheduler/internal/sim"
	"github.com/signalsfoundry/enb-scheduler/model"
	"github.com/signalsfoundry/enb-scheduler/timectrl"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the root of the configuration file.
type Config struct {
	Timing     Timing     `yaml:"timing"`
	Carriers   []Carrier  `yaml:"carriers"`
	Scheduler  Scheduler  `yaml:"scheduler"`
	Simulation Simulation `yaml:"simulation"`
	Logging    Logging    `yaml:"logging"`
	Tracing    Tracing    `yaml:"tracing"`
	Server     Server     `yaml:"server"`
}

// Timing holds the feedback offsets shared by every carrier.
type Timing struct {
	TxDelay         int `yaml:"tx_delay"`
	FeedbackDelay   int `yaml:"feedback_delay"`
	FeedbackTimeout int `yaml:"feedback_timeout"`
}

// Carrier describes one carrier. Omitted keys take the defaults for the
// carrier's bandwidth; an explicit zero is kept.
type Carrier struct {
	Index        uint32 `yaml:"index"`
	NumPRB       int    `yaml:"num_prb"`
	MinCFI       *int   `yaml:"min_cfi"`
	MaxCFI       *int   `yaml:"max_cfi"`
	PHICHNg      string `yaml:"phich_ng"`
	PUCCHEdgeRBs *int   `yaml:"pucch_edge_rbs"`
	N1PUCCH      *int   `yaml:"n1_pucch"`
	PRACH        PRACH  `yaml:"prach"`
	MaxDLGrants  *int   `yaml:"max_dl_grants"`
	MaxULGrants  *int   `yaml:"max_ul_grants"`
	MinGrantRBs  *int   `yaml:"min_grant_rbs"`
	MaxGrantRBs  *int   `yaml:"max_grant_rbs"`
}

// PRACH places the random-access opportunities of a carrier.
type PRACH struct {
	Disabled   bool `yaml:"disabled"`
	Period     *int `yaml:"period"`
	Offset     *int `yaml:"offset"`
	FreqOffset *int `yaml:"freq_offset"`
	NumRBs     *int `yaml:"num_rbs"`
}

// Scheduler tunes the carrier schedulers.
type Scheduler struct {
	MaxWaitTTIs int  `yaml:"max_wait_ttis"`
	Parallel    bool `yaml:"parallel"`
}

// Simulation mirrors sim.Params.
type Simulation struct {
	Seed          int64    `yaml:"seed"`
	TTIs          int      `yaml:"ttis"`
	StartTTI      uint32   `yaml:"start_tti"`
	MaxUsers      int      `yaml:"max_users"`
	PAttach       float64  `yaml:"p_attach"`
	MinConnTTIs   int      `yaml:"min_conn_ttis"`
	MaxConnTTIs   int      `yaml:"max_conn_ttis"`
	PSecondary    float64  `yaml:"p_secondary"`
	PUplink       float64  `yaml:"p_uplink"`
	PDownlink     float64  `yaml:"p_downlink"`
	MinArrivalExp float64  `yaml:"min_arrival_exp"`
	MaxArrivalExp float64  `yaml:"max_arrival_exp"`
	PAck          float64  `yaml:"p_ack"`
	ForceNACK     bool     `yaml:"force_nack"`
	PNoFeedback   float64  `yaml:"p_no_feedback"`
	MaxHARQTx     int      `yaml:"max_harq_tx"`
	RandomPRACH   bool     `yaml:"random_prach"`
	MeasGapPeriod int      `yaml:"meas_gap_period"`
	CQIPeriod     int      `yaml:"cqi_period"`
	PCQILoss      float64  `yaml:"p_cqi_loss"`
	Policies      []string `yaml:"policies"`
}

// Logging selects the log level and format.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Tracing selects the span exporter. Spans carry the configured carriers
// as resource attributes.
type Tracing struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Server configures the daemon surfaces and pacing.
type Server struct {
	HTTPAddr  string        `yaml:"http_addr"`
	GRPCAddr  string        `yaml:"grpc_addr"`
	TTIPeriod time.Duration `yaml:"tti_period"`
	Mode      string        `yaml:"mode"`
}

// Default returns a complete configuration with one 25-RB carrier.
func Default() Config {
	t := model.DefaultTiming()
	p := sim.DefaultParams()
	policies := make([]string, 0, len(p.Policies))
	for _, pol := range p.Policies {
		policies = append(policies, pol.String())
	}
	return Config{
		Timing: Timing{
			TxDelay:         t.TxDelay,
			FeedbackDelay:   t.FeedbackDelay,
			FeedbackTimeout: t.FeedbackTimeout,
		},
		Carriers:  []Carrier{{Index: 0, NumPRB: 25}},
		Scheduler: Scheduler{MaxWaitTTIs: mac.DefaultMaxWaitTTIs},
		Simulation: Simulation{
			Seed:          p.Seed,
			TTIs:          p.TTIs,
			MaxUsers:      p.MaxUsers,
			PAttach:       p.PAttach,
			MinConnTTIs:   p.MinConnTTIs,
			MaxConnTTIs:   p.MaxConnTTIs,
			PSecondary:    p.PSecondary,
			PUplink:       p.PUplink,
			PDownlink:     p.PDownlink,
			MinArrivalExp: p.MinArrivalExp,
			MaxArrivalExp: p.MaxArrivalExp,
			PAck:          p.PAck,
			PNoFeedback:   p.PNoFeedback,
			RandomPRACH:   p.RandomPRACH,
			MeasGapPeriod: p.MeasGapPeriod,
			CQIPeriod:     p.CQIPeriod,
			PCQILoss:      p.PCQILoss,
			Policies:      policies,
		},
		Logging: Logging{Level: "info", Format: "text"},
		Tracing: Tracing{
			ServiceName: "enb-sched",
			Exporter:    observability.ExporterStdout,
			SampleRatio: 1,
		},
		Server: Server{
			HTTPAddr:  ":9090",
			GRPCAddr:  ":50051",
			TTIPeriod: timectrl.DefaultPeriod,
			Mode:      timectrl.RealTime.String(),
		},
	}
}

// Load reads path and overlays it onto Default. An empty path returns the
// defaults.
func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document onto Default and validates the result.
// Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	carriers, err := c.CarrierConfigs()
	if err != nil {
		errs = append(errs, err)
	}
	seen := make(map[uint32]bool)
	for _, cc := range carriers {
		if seen[cc.Index] {
			errs = append(errs, fmt.Errorf("carrier %d defined twice", cc.Index))
		}
		seen[cc.Index] = true
		if err := cc.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Scheduler.MaxWaitTTIs < 0 {
		errs = append(errs, fmt.Errorf("max_wait_ttis %d < 0", c.Scheduler.MaxWaitTTIs))
	}
	if _, err := c.SimParams(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Mode(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Tracing.Exporter) {
	case observability.ExporterStdout, observability.ExporterOTLP:
	default:
		errs = append(errs, fmt.Errorf("tracing exporter %q not %s or %s", c.Tracing.Exporter, observability.ExporterStdout, observability.ExporterOTLP))
	}
	if r := c.Tracing.SampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("tracing sample_ratio %v outside [0, 1]", r))
	}
	if c.Server.TTIPeriod <= 0 {
		errs = append(errs, fmt.Errorf("tti_period %v must be positive", c.Server.TTIPeriod))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// ModelTiming converts the timing section.
func (c Config) ModelTiming() model.Timing {
	return model.Timing{
		TxDelay:         c.Timing.TxDelay,
		FeedbackDelay:   c.Timing.FeedbackDelay,
		FeedbackTimeout: c.Timing.FeedbackTimeout,
	}
}

// CarrierConfigs builds the carrier parameter sets. They are not validated
// here; NewScheduler does that.
func (c Config) CarrierConfigs() ([]model.CarrierConfig, error) {
	if len(c.Carriers) == 0 {
		return nil, errors.New("no carrier configured")
	}
	out := make([]model.CarrierConfig, 0, len(c.Carriers))
	var errs []error
	for _, cc := range c.Carriers {
		mc, err := cc.model(c.ModelTiming())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, mc)
	}
	return out, errors.Join(errs...)
}

func (cc Carrier) model(t model.Timing) (model.CarrierConfig, error) {
	m := model.DefaultCarrierConfig(cc.Index, cc.NumPRB)
	m.Timing = t
	setIf(&m.MinCFI, cc.MinCFI)
	setIf(&m.MaxCFI, cc.MaxCFI)
	setIf(&m.PUCCHEdgeRBs, cc.PUCCHEdgeRBs)
	setIf(&m.N1PUCCH, cc.N1PUCCH)
	setIf(&m.MaxDLGrants, cc.MaxDLGrants)
	setIf(&m.MaxULGrants, cc.MaxULGrants)
	setIf(&m.MinGrantRBs, cc.MinGrantRBs)
	setIf(&m.MaxGrantRBs, cc.MaxGrantRBs)
	if cc.PRACH.Disabled {
		m.PRACH = model.PRACHConfig{}
	} else {
		setIf(&m.PRACH.Period, cc.PRACH.Period)
		setIf(&m.PRACH.Offset, cc.PRACH.Offset)
		setIf(&m.PRACH.FreqOffset, cc.PRACH.FreqOffset)
		setIf(&m.PRACH.NumRBs, cc.PRACH.NumRBs)
	}
	if cc.PHICHNg != "" {
		ng, err := model.ParsePHICHNg(cc.PHICHNg)
		if err != nil {
			return model.CarrierConfig{}, err
		}
		m.PHICH = ng
	}
	return m, nil
}

func setIf(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

// SimParams converts the simulation section.
func (c Config) SimParams() (sim.Params, error) {
	s := c.Simulation
	p := sim.Params{
		Seed:          s.Seed,
		TTIs:          s.TTIs,
		StartTTI:      timectrl.NewTTI(s.StartTTI),
		MaxUsers:      s.MaxUsers,
		PAttach:       s.PAttach,
		MinConnTTIs:   s.MinConnTTIs,
		MaxConnTTIs:   s.MaxConnTTIs,
		PSecondary:    s.PSecondary,
		PUplink:       s.PUplink,
		PDownlink:     s.PDownlink,
		MinArrivalExp: s.MinArrivalExp,
		MaxArrivalExp: s.MaxArrivalExp,
		PAck:          s.PAck,
		ForceNACK:     s.ForceNACK,
		PNoFeedback:   s.PNoFeedback,
		MaxHARQTx:     s.MaxHARQTx,
		RandomPRACH:   s.RandomPRACH,
		MeasGapPeriod: s.MeasGapPeriod,
		CQIPeriod:     s.CQIPeriod,
		PCQILoss:      s.PCQILoss,
	}
	for _, name := range s.Policies {
		pol, err := model.ParsePolicy(name)
		if err != nil {
			return sim.Params{}, err
		}
		p.Policies = append(p.Policies, pol)
	}
	if err := p.Validate(); err != nil {
		return sim.Params{}, fmt.Errorf("simulation: %w", err)
	}
	return p, nil
}

// Mode parses the pacing mode.
func (c Config) Mode() (timectrl.Mode, error) {
	switch strings.ToLower(c.Server.Mode) {
	case "", timectrl.RealTime.String():
		return timectrl.RealTime, nil
	case timectrl.Accelerated.String():
		return timectrl.Accelerated, nil
	default:
		return timectrl.RealTime, fmt.Errorf("unknown mode %q", c.Server.Mode)
	}
}

// TracingConfig converts the tracing section, describing the configured
// carriers on the span resource.
func (c Config) TracingConfig() observability.TracingConfig {
	carriers, _ := c.CarrierConfigs()
	return observability.TracingConfig{
		Enabled:     c.Tracing.Enabled,
		ServiceName: c.Tracing.ServiceName,
		Exporter:    strings.ToLower(c.Tracing.Exporter),
		Endpoint:    c.Tracing.Endpoint,
		SampleRatio: c.Tracing.SampleRatio,
		Attributes:  observability.CarrierAttributes(carriers),
	}
}

// LoggerConfig converts the logging section.
func (c Config) LoggerConfig() logging.Config {
	return logging.Config{Level: c.Logging.Level, Format: c.Logging.Format}
}
