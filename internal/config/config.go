// Package config loads the emulator's YAML configuration, validates it
// against an embedded CUE schema and converts it into the core types.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/constellation-emulator/core"
	"github.com/signalsfoundry/constellation-emulator/timectrl"
)

// Environment overrides applied after the file is decoded.
const (
	EnvTickInterval = "EMU_TICK_INTERVAL"
	EnvAPIAddr      = "EMU_API_ADDR"
	EnvMetricsAddr  = "EMU_METRICS_ADDR"
	EnvPostgresDSN  = "EMU_POSTGRES_DSN"
)

// Config is the root configuration document.
type Config struct {
	Constellation  Constellation `yaml:"constellation"`
	GroundStations []Site        `yaml:"ground_stations"`
	Vessels        []Vessel      `yaml:"vessels"`
	Visibility     Visibility    `yaml:"visibility"`
	Scheduler      Scheduler     `yaml:"scheduler"`
	Gateway        Gateway       `yaml:"gateway"`
	Telemetry      Telemetry     `yaml:"telemetry"`
	Addressing     Addressing    `yaml:"addressing"`
	API            Listener      `yaml:"api"`
	Metrics        Listener      `yaml:"metrics"`
	Postgres       Postgres      `yaml:"postgres"`
	Logging        Logging       `yaml:"logging"`
}

type Constellation struct {
	Rings          int             `yaml:"rings"`
	NodesPerRing   int             `yaml:"nodes_per_ring"`
	InclinationDeg float64         `yaml:"inclination_deg"`
	AltitudeKm     float64         `yaml:"altitude_km"`
	RAANSpreadDeg  float64         `yaml:"raan_spread_deg"`
	PhaseOffsetDeg float64         `yaml:"phase_offset_deg"`
	RingPeriods    []time.Duration `yaml:"ring_periods"`
	CrossRingSeam  bool            `yaml:"cross_ring_seam"`
	// Epoch is an RFC 3339 timestamp.
	Epoch string `yaml:"epoch"`
}

type Site struct {
	Name   string  `yaml:"name"`
	LatDeg float64 `yaml:"lat_deg"`
	LonDeg float64 `yaml:"lon_deg"`
	AltKm  float64 `yaml:"alt_km"`
}

type Waypoint struct {
	LatDeg float64 `yaml:"lat_deg"`
	LonDeg float64 `yaml:"lon_deg"`
}

type Vessel struct {
	Name           string     `yaml:"name"`
	SpeedDegPerSec float64    `yaml:"speed_deg_per_sec"`
	Waypoints      []Waypoint `yaml:"waypoints"`
}

type Visibility struct {
	RingRangeKm             float64 `yaml:"ring_range_km"`
	CrossRingRangeKm        float64 `yaml:"cross_ring_range_km"`
	GroundRangeKm           float64 `yaml:"ground_range_km"`
	MinSeparationKm         float64 `yaml:"min_separation_km"`
	MinElevationDeg         float64 `yaml:"min_elevation_deg"`
	CrossRingMaxLatitudeDeg float64 `yaml:"cross_ring_max_latitude_deg"`
	EarthOcclusion          bool    `yaml:"earth_occlusion"`
}

type Scheduler struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	TimeStep     time.Duration `yaml:"time_step"`
	Mode         string        `yaml:"mode"`
	// Duration bounds the run in simulated time; zero runs until stopped.
	Duration time.Duration `yaml:"duration"`
}

type Gateway struct {
	Workers        int           `yaml:"workers"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	// AgentAddressTemplate resolves a node's agent address; "{node}" is
	// replaced with the node ID.
	AgentAddressTemplate string            `yaml:"agent_address_template"`
	AgentAddresses       map[string]string `yaml:"agent_addresses"`
}

type Telemetry struct {
	ProbeInterval  time.Duration `yaml:"probe_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeWorkers   int           `yaml:"probe_workers"`
	Period         time.Duration `yaml:"period"`
	SeriesCapacity int           `yaml:"series_capacity"`
	EventCapacity  int           `yaml:"event_capacity"`
	StaleAfter     time.Duration `yaml:"stale_after"`
	SinkQueue      int           `yaml:"sink_queue"`
}

type Addressing struct {
	LinkPrefix     string `yaml:"link_prefix"`
	LoopbackPrefix string `yaml:"loopback_prefix"`
}

type Listener struct {
	Addr string `yaml:"addr"`
}

type Postgres struct {
	DSN string `yaml:"dsn"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used for every field the file omits.
func Default() Config {
	return Config{
		Constellation: Constellation{
			Rings:          4,
			NodesPerRing:   4,
			InclinationDeg: 53.9,
			AltitudeKm:     550,
			RAANSpreadDeg:  360,
			CrossRingSeam:  true,
			Epoch:          "2025-01-01T00:00:00Z",
		},
		Visibility: Visibility{
			RingRangeKm:             10000,
			CrossRingRangeKm:        6000,
			GroundRangeKm:           2500,
			MinSeparationKm:         10,
			MinElevationDeg:         15,
			CrossRingMaxLatitudeDeg: 51.9,
		},
		Scheduler: Scheduler{
			TickInterval: time.Second,
			TimeStep:     10 * time.Second,
			Mode:         "realtime",
		},
		Gateway: Gateway{
			Workers:              16,
			Timeout:              5 * time.Second,
			MaxAttempts:          3,
			BackoffInitial:       200 * time.Millisecond,
			BackoffMax:           2 * time.Second,
			AgentAddressTemplate: "{node}:50051",
		},
		Telemetry: Telemetry{
			ProbeInterval:  5 * time.Second,
			ProbeTimeout:   2 * time.Second,
			ProbeWorkers:   8,
			Period:         time.Minute,
			SeriesCapacity: 60,
			EventCapacity:  100,
			StaleAfter:     time.Minute,
			SinkQueue:      256,
		},
		Addressing: Addressing{
			LinkPrefix:     "10.15.0.0/16",
			LoopbackPrefix: "10.1.0.0/16",
		},
		API:     Listener{Addr: ":8080"},
		Metrics: Listener{Addr: ":9090"},
		Logging: Logging{Level: "info", Format: "text"},
	}
}

// Load reads, validates and decodes the file at path, then applies env
// overrides. Every problem is reported as a *core.ConfigurationError.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &core.ConfigurationError{Field: "path", Reason: "cannot read " + path, Err: err}
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse validates data against the schema and decodes it over Default().
// Env overrides are not applied.
func Parse(data []byte) (*Config, error) {
	if err := ValidateSchema(data); err != nil {
		return nil, err
	}

	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, &core.ConfigurationError{Field: "yaml", Reason: "decode failed", Err: err}
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overrides listener addresses, the tick interval and the Postgres
// DSN from the environment. lookup is usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvTickInterval); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return &core.ConfigurationError{Field: EnvTickInterval, Reason: "invalid duration", Err: err}
		}
		c.Scheduler.TickInterval = d
	}
	if v, ok := lookup(EnvAPIAddr); ok {
		c.API.Addr = v
	}
	if v, ok := lookup(EnvMetricsAddr); ok {
		c.Metrics.Addr = v
	}
	if v, ok := lookup(EnvPostgresDSN); ok {
		c.Postgres.DSN = v
	}
	return nil
}

// Validate runs the semantic checks the schema cannot express.
func (c *Config) Validate() error {
	spec, err := c.ConstellationSpec()
	if err != nil {
		return err
	}
	if _, err := core.NewConstellation(spec); err != nil {
		return err
	}
	if err := c.Thresholds().Validate(); err != nil {
		return err
	}

	switch {
	case c.Scheduler.TickInterval <= 0:
		return core.ConfigErrorf("scheduler.tick_interval", "must be positive, got %s", c.Scheduler.TickInterval)
	case c.Scheduler.TimeStep <= 0:
		return core.ConfigErrorf("scheduler.time_step", "must be positive, got %s", c.Scheduler.TimeStep)
	case c.Scheduler.Duration < 0:
		return core.ConfigErrorf("scheduler.duration", "must not be negative, got %s", c.Scheduler.Duration)
	}
	if _, err := c.SchedulerMode(); err != nil {
		return err
	}

	g := c.Gateway
	switch {
	case g.Workers <= 0:
		return core.ConfigErrorf("gateway.workers", "must be positive, got %d", g.Workers)
	case g.Timeout <= 0:
		return core.ConfigErrorf("gateway.timeout", "must be positive, got %s", g.Timeout)
	case g.MaxAttempts <= 0:
		return core.ConfigErrorf("gateway.max_attempts", "must be positive, got %d", g.MaxAttempts)
	case g.BackoffInitial < 0 || g.BackoffMax < g.BackoffInitial:
		return core.ConfigErrorf("gateway.backoff_max", "must be at least backoff_initial (%s), got %s", g.BackoffInitial, g.BackoffMax)
	case g.AgentAddressTemplate == "" && len(g.AgentAddresses) == 0:
		return core.ConfigErrorf("gateway.agent_address_template", "required when agent_addresses is empty")
	}

	tm := c.Telemetry
	switch {
	case tm.ProbeInterval <= 0:
		return core.ConfigErrorf("telemetry.probe_interval", "must be positive, got %s", tm.ProbeInterval)
	case tm.ProbeTimeout <= 0:
		return core.ConfigErrorf("telemetry.probe_timeout", "must be positive, got %s", tm.ProbeTimeout)
	case tm.ProbeWorkers <= 0:
		return core.ConfigErrorf("telemetry.probe_workers", "must be positive, got %d", tm.ProbeWorkers)
	case tm.Period <= 0:
		return core.ConfigErrorf("telemetry.period", "must be positive, got %s", tm.Period)
	case tm.SeriesCapacity <= 0:
		return core.ConfigErrorf("telemetry.series_capacity", "must be positive, got %d", tm.SeriesCapacity)
	case tm.EventCapacity <= 0:
		return core.ConfigErrorf("telemetry.event_capacity", "must be positive, got %d", tm.EventCapacity)
	case tm.StaleAfter <= 0:
		return core.ConfigErrorf("telemetry.stale_after", "must be positive, got %s", tm.StaleAfter)
	case tm.SinkQueue < 0:
		return core.ConfigErrorf("telemetry.sink_queue", "must not be negative, got %d", tm.SinkQueue)
	}

	if _, err := c.LinkPrefix(); err != nil {
		return err
	}
	if _, err := c.LoopbackPrefix(); err != nil {
		return err
	}
	return nil
}

// ConstellationSpec converts the node layout into core's representation.
func (c *Config) ConstellationSpec() (core.ConstellationSpec, error) {
	cc := c.Constellation
	epoch, err := time.Parse(time.RFC3339, strings.TrimSpace(cc.Epoch))
	if err != nil {
		return core.ConstellationSpec{}, &core.ConfigurationError{Field: "constellation.epoch", Reason: "must be RFC 3339", Err: err}
	}

	spec := core.ConstellationSpec{
		Rings:          cc.Rings,
		NodesPerRing:   cc.NodesPerRing,
		InclinationDeg: cc.InclinationDeg,
		AltitudeKm:     cc.AltitudeKm,
		RAANSpreadDeg:  cc.RAANSpreadDeg,
		PhaseOffsetDeg: cc.PhaseOffsetDeg,
		RingPeriods:    append([]time.Duration(nil), cc.RingPeriods...),
		CrossRingSeam:  cc.CrossRingSeam,
		Epoch:          epoch.UTC(),
	}
	for _, gs := range c.GroundStations {
		spec.GroundStations = append(spec.GroundStations, core.SiteSpec{
			Name: gs.Name, LatDeg: gs.LatDeg, LonDeg: gs.LonDeg, AltKm: gs.AltKm,
		})
	}
	for _, v := range c.Vessels {
		vs := core.VesselSpec{Name: v.Name, SpeedDegPerSec: v.SpeedDegPerSec}
		for _, wp := range v.Waypoints {
			vs.Waypoints = append(vs.Waypoints, core.LatLon{LatDeg: wp.LatDeg, LonDeg: wp.LonDeg})
		}
		spec.Vessels = append(spec.Vessels, vs)
	}
	return spec, nil
}

// Thresholds converts the visibility section.
func (c *Config) Thresholds() core.Thresholds {
	v := c.Visibility
	return core.Thresholds{
		RingRangeKm:             v.RingRangeKm,
		CrossRingRangeKm:        v.CrossRingRangeKm,
		GroundRangeKm:           v.GroundRangeKm,
		MinSeparationKm:         v.MinSeparationKm,
		MinElevationDeg:         v.MinElevationDeg,
		CrossRingMaxLatitudeDeg: v.CrossRingMaxLatitudeDeg,
		EarthOcclusion:          v.EarthOcclusion,
	}
}

// SchedulerMode parses scheduler.mode.
func (c *Config) SchedulerMode() (timectrl.Mode, error) {
	switch strings.ToLower(c.Scheduler.Mode) {
	case "", "realtime", "real-time":
		return timectrl.RealTime, nil
	case "accelerated":
		return timectrl.Accelerated, nil
	default:
		return 0, core.ConfigErrorf("scheduler.mode", "unknown mode %q", c.Scheduler.Mode)
	}
}

// LinkPrefix parses addressing.link_prefix.
func (c *Config) LinkPrefix() (netip.Prefix, error) {
	return parsePrefix("addressing.link_prefix", c.Addressing.LinkPrefix, 30)
}

// LoopbackPrefix parses addressing.loopback_prefix.
func (c *Config) LoopbackPrefix() (netip.Prefix, error) {
	return parsePrefix("addressing.loopback_prefix", c.Addressing.LoopbackPrefix, 32)
}

func parsePrefix(field, raw string, maxBits int) (netip.Prefix, error) {
	p, err := netip.ParsePrefix(raw)
	if err != nil {
		return netip.Prefix{}, &core.ConfigurationError{Field: field, Reason: "invalid prefix", Err: err}
	}
	if !p.Addr().Is4() {
		return netip.Prefix{}, core.ConfigErrorf(field, "only IPv4 prefixes are supported, got %s", raw)
	}
	if p.Bits() > maxBits {
		return netip.Prefix{}, core.ConfigErrorf(field, "prefix /%d too small", p.Bits())
	}
	return p.Masked(), nil
}

// AsConfigurationError reports whether err carries a *core.ConfigurationError.
func AsConfigurationError(err error) (*core.ConfigurationError, bool) {
	var ce *core.ConfigurationError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

func (c Config) String() string {
	return fmt.Sprintf("constellation %dx%d @ %.0f km, %d ground stations, %d vessels",
		c.Constellation.Rings, c.Constellation.NodesPerRing, c.Constellation.AltitudeKm,
		len(c.GroundStations), len(c.Vessels))
}
