package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// EnvConfigFiles is the environment variable naming the configuration files
// to load, colon-separated. Later files override earlier ones.
const EnvConfigFiles = "BEAMLINE_CONFIG_FILES"

// Config is the root configuration structure for beamline-core.
// All configuration is loaded from TOML (iconfig.toml by convention) and can
// be overridden by environment variables.
type Config struct {
	Beamline  BeamlineConfig  `toml:"beamline"`
	Facility  FacilityConfig  `toml:"facility"`
	EPICS     EPICSConfig     `toml:"epics"`
	Repeater  RepeaterConfig  `toml:"repeater"`
	Database  DatabaseConfig  `toml:"database"`
	MQTT      MQTTConfig      `toml:"mqtt"`
	API       APIConfig       `toml:"api"`
	WebSocket WebSocketConfig `toml:"websocket"`
	InfluxDB  InfluxDBConfig  `toml:"influxdb"`
	TSDB      TSDBConfig      `toml:"tsdb"`
	Logging   LoggingConfig   `toml:"logging"`
	Security  SecurityConfig  `toml:"security"`
	Metadata  map[string]any  `toml:"metadata"`

	// Device definition sections. Each entry becomes one live device in the
	// instrument registry at startup.
	Motors        []MotorConfig        `toml:"motor"`
	IonChambers   []IonChamberConfig   `toml:"ion_chamber"`
	Monochromator *MonochromatorConfig `toml:"monochromator"`
	Undulator     *UndulatorConfig     `toml:"undulator"`
	Energy        *EnergyConfig        `toml:"energy"`
	Mirrors       []MirrorConfig       `toml:"mirror"`
	KBMirrors     []KBMirrorsConfig    `toml:"kb_mirrors"`
	Slits         []SlitsConfig        `toml:"slits"`
	PowerSupplies []PowerSupplyConfig  `toml:"power_supply"`
	Shutters      []ShutterConfig      `toml:"shutter"`
	AreaDetectors []AreaDetectorConfig `toml:"area_detector"`
}

// BeamlineConfig identifies the beamline this instance controls.
type BeamlineConfig struct {
	// Name is the human-readable beamline identifier (e.g. "25-ID-C").
	Name string `toml:"name"`

	// HardwareIsPresent selects the live Channel Access transport when true.
	// When false every device is backed by the in-memory simulation, which
	// keeps the full scan pipeline usable on development machines.
	HardwareIsPresent bool `toml:"hardware_is_present"`
}

// FacilityConfig describes the hosting facility, stamped into run metadata.
type FacilityConfig struct {
	Name       string `toml:"name"`
	XraySource string `toml:"xray_source"`
}

// EPICSConfig contains Channel Access client settings.
type EPICSConfig struct {
	// AddrList enumerates IOC or gateway endpoints ("host:port"). Channels
	// are resolved by searching each circuit in order.
	AddrList []string `toml:"addr_list"`

	// ConnectTimeout is the per-circuit dial/handshake timeout in seconds.
	ConnectTimeout int `toml:"connect_timeout"`

	// EchoInterval is the idle heartbeat interval in seconds.
	EchoInterval int `toml:"echo_interval"`

	// MaxArrayBytes bounds the largest acceptable payload.
	MaxArrayBytes int `toml:"max_array_bytes"`

	// Workers is the size of the monitor callback worker pool per circuit.
	Workers int `toml:"workers"`

	// QueueSize is the depth of the monitor dispatch queue per circuit.
	QueueSize int `toml:"queue_size"`
}

// RepeaterConfig contains settings for managing the local caRepeater process.
type RepeaterConfig struct {
	// Managed indicates whether beamlined should supervise caRepeater.
	// If false, caRepeater is expected to be running externally.
	Managed bool `toml:"managed"`

	// Binary is the path to the caRepeater executable.
	Binary string `toml:"binary"`

	// Port is the UDP beacon repeater port. Default: 5065.
	Port int `toml:"port"`

	// RestartOnFailure enables automatic restart if caRepeater exits.
	RestartOnFailure bool `toml:"restart_on_failure"`

	// RestartDelaySeconds is the time to wait before restarting.
	RestartDelaySeconds int `toml:"restart_delay_seconds"`

	// MaxRestartAttempts limits restart attempts. 0 means unlimited.
	MaxRestartAttempts int `toml:"max_restart_attempts"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `toml:"path"`
	WALMode     bool   `toml:"wal_mode"`
	BusyTimeout int    `toml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `toml:"enabled"`
	Broker    MQTTBrokerConfig    `toml:"broker"`
	Auth      MQTTAuthConfig      `toml:"auth"`
	QoS       int                 `toml:"qos"`
	Reconnect MQTTReconnectConfig `toml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	TLS      bool   `toml:"tls"`
	ClientID string `toml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `toml:"initial_delay"`
	MaxDelay     int `toml:"max_delay"`
	MaxAttempts  int `toml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `toml:"host"`
	Port     int              `toml:"port"`
	TLS      TLSConfig        `toml:"tls"`
	Timeouts APITimeoutConfig `toml:"timeouts"`
	CORS     CORSConfig       `toml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `toml:"enabled"`
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `toml:"read"`
	Write int `toml:"write"`
	Idle  int `toml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `toml:"allowed_origins"`
	AllowedMethods []string `toml:"allowed_methods"`
	AllowedHeaders []string `toml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `toml:"path"`
	MaxMessageSize int    `toml:"max_message_size"`
	PingInterval   int    `toml:"ping_interval"`
	PongTimeout    int    `toml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `toml:"enabled"`
	URL           string `toml:"url"`
	Token         string `toml:"token"`
	Org           string `toml:"org"`
	Bucket        string `toml:"bucket"`
	BatchSize     int    `toml:"batch_size"`
	FlushInterval int    `toml:"flush_interval"`
}

// TSDBConfig configures the line-protocol batcher used for the
// high-rate fly-event path. It writes InfluxDB line protocol over
// plain HTTP, so it also works against VictoriaMetrics.
type TSDBConfig struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"`

	// BatchSize is the number of lines buffered before a flush.
	BatchSize int `toml:"batch_size"`

	// FlushInterval is the periodic flush interval in seconds.
	FlushInterval int `toml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Output string `toml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `toml:"jwt"`
}

// JWTConfig contains JWT token settings. TTLs are in minutes.
type JWTConfig struct {
	Secret          string `toml:"secret"`
	AccessTokenTTL  int    `toml:"access_token_ttl"`
	RefreshTokenTTL int    `toml:"refresh_token_ttl"`
}

// MotorConfig defines one EPICS motor record.
type MotorConfig struct {
	// Prefix is the motor record PV (e.g. "255idVME:m1"). Fields are
	// addressed as Prefix+".VAL", Prefix+".RBV", and so on.
	Prefix string `toml:"prefix"`

	// Name is the registry name. When empty the motor is named from its
	// .DESC field at connect time.
	Name string `toml:"name"`

	Hutch  string   `toml:"hutch"`
	Labels []string `toml:"labels"`
}

// IonChamberConfig defines one scaler channel plus its preamp and voltmeter.
type IonChamberConfig struct {
	Name string `toml:"name"`

	// ScalerPrefix is the multi-channel scaler IOC prefix (e.g. "25idcVME:3820").
	ScalerPrefix string `toml:"scaler_prefix"`

	// ScalerChannel is the 1-indexed scaler channel. Channel 1 is the clock,
	// so ion chambers start at 2.
	ScalerChannel int `toml:"scaler_channel"`

	// PreampPrefix is the SR570 preamplifier record prefix (e.g. "25idc:SR01").
	PreampPrefix string `toml:"preamp_prefix"`

	// VoltmeterPrefix is the analog input reading the preamp output
	// (e.g. "25idc:LJT7:1:Ai0"). Optional.
	VoltmeterPrefix string `toml:"voltmeter_prefix"`

	Hutch string `toml:"hutch"`
}

// MonochromatorConfig defines the double-crystal monochromator.
type MonochromatorConfig struct {
	Prefix string `toml:"prefix"`

	// EnergyPrefix overrides the IOC hosting the Energy pseudo motor when it
	// lives on a separate crate.
	EnergyPrefix string `toml:"energy_prefix"`

	Name  string `toml:"name"`
	Hutch string `toml:"hutch"`
}

// UndulatorConfig defines the insertion device.
type UndulatorConfig struct {
	Prefix string `toml:"prefix"`
	Name   string `toml:"name"`
	Hutch  string `toml:"hutch"`
}

// EnergyConfig couples the monochromator and undulator behind one positioner.
type EnergyConfig struct {
	Name string `toml:"name"`

	// IDOffsetEV is added to the requested energy before converting to the
	// undulator setpoint (which is in keV).
	IDOffsetEV float64 `toml:"id_offset_ev"`
}

// MirrorConfig defines a high-heat-load mirror assembly.
type MirrorConfig struct {
	Prefix   string `toml:"prefix"`
	Name     string `toml:"name"`
	Bendable bool   `toml:"bendable"`
	Hutch    string `toml:"hutch"`
}

// KBMirrorsConfig defines a Kirkpatrick-Baez mirror pair. The upstream and
// downstream motors live on arbitrary records, so they are named explicitly.
type KBMirrorsConfig struct {
	Prefix                string `toml:"prefix"`
	Name                  string `toml:"name"`
	HorizUpstreamMotor    string `toml:"horiz_upstream_motor"`
	HorizDownstreamMotor  string `toml:"horiz_downstream_motor"`
	VertUpstreamMotor     string `toml:"vert_upstream_motor"`
	VertDownstreamMotor   string `toml:"vert_downstream_motor"`
	HorizUpstreamBender   string `toml:"horiz_upstream_bender"`
	HorizDownstreamBender string `toml:"horiz_downstream_bender"`
	VertUpstreamBender    string `toml:"vert_upstream_bender"`
	VertDownstreamBender  string `toml:"vert_downstream_bender"`
	Hutch                 string `toml:"hutch"`
}

// SlitsConfig defines a set of beam-defining slits.
type SlitsConfig struct {
	Prefix string `toml:"prefix"`
	Name   string `toml:"name"`

	// Kind is "blade" (synApps 2slit.db, xn/xp/size/center per axis) or
	// "aperture" (rotating aperture, center/size only).
	Kind string `toml:"kind"`

	// Aperture slits: motor record suffixes for the real axes.
	PitchMotor      string `toml:"pitch_motor"`
	YawMotor        string `toml:"yaw_motor"`
	HorizontalMotor string `toml:"horizontal_motor"`
	DiagonalMotor   string `toml:"diagonal_motor"`

	Hutch string `toml:"hutch"`
}

// PowerSupplyConfig defines a detector bias high-voltage power supply.
type PowerSupplyConfig struct {
	Prefix    string `toml:"prefix"`
	Name      string `toml:"name"`
	NChannels int    `toml:"n_channels"`
	Hutch     string `toml:"hutch"`
}

// ShutterConfig defines a beam shutter driven by open/close process records.
type ShutterConfig struct {
	Name    string `toml:"name"`
	OpenPV  string `toml:"open_pv"`
	ClosePV string `toml:"close_pv"`
	StatePV string `toml:"state_pv"`
	Hutch   string `toml:"hutch"`
}

// AreaDetectorConfig defines an areaDetector IOC.
type AreaDetectorConfig struct {
	Prefix string `toml:"prefix"`
	Name   string `toml:"name"`

	// Kind tags the camera driver (e.g. "sim", "eiger", "lambda").
	Kind string `toml:"kind"`

	Hutch string `toml:"hutch"`
}

// Load reads configuration from one or more TOML files and applies
// environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. TOML file values, in order (later files override earlier, whole
//     top-level table at a time; missing files are skipped)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: BEAMLINE_SECTION_KEY
// For example: BEAMLINE_DATABASE_PATH, BEAMLINE_JWT_SECRET
//
// Parameters:
//   - paths: TOML configuration files, least to most specific
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If no file could be read, parsing fails, or validation fails
func Load(paths ...string) (*Config, error) {
	merged := map[string]any{}
	loaded := 0

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}

		var section map[string]any
		if err := toml.Unmarshal(data, &section); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}

		// Later files replace whole top-level tables, matching the
		// behaviour of layered iconfig files.
		for k, v := range section {
			merged[k] = v
		}
		loaded++
	}

	if loaded == 0 {
		return nil, fmt.Errorf("no config file found in %s", strings.Join(paths, ", "))
	}

	// Re-encode the merged document and decode strictly into the typed
	// config so typos in section keys are caught.
	data, err := toml.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("merging config files: %w", err)
	}

	cfg := defaultConfig()
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// FilePaths resolves the list of configuration files to load.
//
// BEAMLINE_CONFIG_FILES (colon-separated) wins when set; otherwise the
// fallback path is used, and when that is empty the conventional locations
// under ~/beamline are searched.
func FilePaths(fallback string) []string {
	if env := os.Getenv(EnvConfigFiles); env != "" {
		return strings.Split(env, ":")
	}
	if fallback != "" {
		return []string{fallback}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return []string{"iconfig.toml"}
	}
	return []string{
		filepath.Join(home, "beamline", "iconfig.toml"),
		filepath.Join(home, "beamline", "instrument", "iconfig.toml"),
	}
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Beamline: BeamlineConfig{
			Name:              "beamline (sector unknown)",
			HardwareIsPresent: false,
		},
		Facility: FacilityConfig{
			Name:       "Advanced Photon Source",
			XraySource: "insertion device",
		},
		EPICS: EPICSConfig{
			ConnectTimeout: 5,
			EchoInterval:   15,
			MaxArrayBytes:  16 * 1024 * 1024,
			Workers:        4,
			QueueSize:      1024,
		},
		Repeater: RepeaterConfig{
			Binary:              "caRepeater",
			Port:                5065,
			RestartOnFailure:    true,
			RestartDelaySeconds: 5,
			MaxRestartAttempts:  10,
		},
		Database: DatabaseConfig{
			Path:        "./data/beamline.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "beamline-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 65536,
			PingInterval:   30,
			PongTimeout:    10,
		},
		TSDB: TSDBConfig{
			BatchSize:     500,
			FlushInterval: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL:  15,
				RefreshTokenTTL: 1440,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: BEAMLINE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("BEAMLINE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// EPICS
	if v := os.Getenv("BEAMLINE_EPICS_ADDR_LIST"); v != "" {
		cfg.EPICS.AddrList = strings.Fields(v)
	}

	// MQTT
	if v := os.Getenv("BEAMLINE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("BEAMLINE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("BEAMLINE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("BEAMLINE_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("BEAMLINE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security - JWT secret (IMPORTANT: always override in production)
	if v := os.Getenv("BEAMLINE_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Beamline validation
	if c.Beamline.Name == "" {
		errs = append(errs, "beamline.name is required")
	}

	// EPICS validation: a live beamline needs somewhere to connect to
	if c.Beamline.HardwareIsPresent && len(c.EPICS.AddrList) == 0 {
		errs = append(errs, "epics.addr_list is required when beamline.hardware_is_present is true")
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// API validation
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// Security validation - JWT secret is REQUIRED
	// An empty or weak secret would allow forged tokens and with them
	// uncontrolled motion of real hardware.
	const minJWTSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set BEAMLINE_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
	}

	// Device section validation
	for i, m := range c.Motors {
		if m.Prefix == "" {
			errs = append(errs, fmt.Sprintf("motor[%d].prefix is required", i))
		}
	}
	for i, ic := range c.IonChambers {
		if ic.Name == "" {
			errs = append(errs, fmt.Sprintf("ion_chamber[%d].name is required", i))
		}
		if ic.ScalerPrefix == "" {
			errs = append(errs, fmt.Sprintf("ion_chamber[%d].scaler_prefix is required", i))
		}
		if ic.ScalerChannel < 2 {
			errs = append(errs, fmt.Sprintf("ion_chamber[%d].scaler_channel must be 2 or greater (channel 1 is the clock)", i))
		}
	}
	for i, s := range c.Slits {
		if s.Kind != "" && s.Kind != "blade" && s.Kind != "aperture" {
			errs = append(errs, fmt.Sprintf("slits[%d].kind must be \"blade\" or \"aperture\"", i))
		}
	}
	if c.Energy != nil && c.Monochromator == nil {
		errs = append(errs, "energy requires a monochromator section")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetConnectTimeout returns the Channel Access dial timeout as a Duration.
func (e EPICSConfig) GetConnectTimeout() time.Duration {
	return time.Duration(e.ConnectTimeout) * time.Second
}

// GetEchoInterval returns the Channel Access heartbeat interval as a Duration.
func (e EPICSConfig) GetEchoInterval() time.Duration {
	return time.Duration(e.EchoInterval) * time.Second
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
