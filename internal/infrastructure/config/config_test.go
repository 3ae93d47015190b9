package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_ValidConfig(t *testing.T) {
	// Create a temporary config file
	content := `
[beamline]
name = "25-ID-C"
hardware_is_present = false

[database]
path = "/tmp/test.db"
wal_mode = true
busy_timeout = 5

[mqtt]
qos = 1

[mqtt.broker]
host = "localhost"
port = 1883
client_id = "test-client"

[api]
host = "0.0.0.0"
port = 8080

[security.jwt]
secret = "test-secret-key-at-least-32-chars!"

[[motor]]
prefix = "255idVME:m1"
name = "slit_h"

[[ion_chamber]]
name = "I0"
scaler_prefix = "25idcVME:3820"
scaler_channel = 2
preamp_prefix = "25idc:SR01"
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "iconfig.toml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Beamline.Name != "25-ID-C" {
		t.Errorf("Beamline.Name = %q, want %q", cfg.Beamline.Name, "25-ID-C")
	}

	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/test.db")
	}

	if cfg.MQTT.Broker.Host != "localhost" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "localhost")
	}

	if len(cfg.Motors) != 1 || cfg.Motors[0].Prefix != "255idVME:m1" {
		t.Errorf("Motors = %+v, want one motor with prefix 255idVME:m1", cfg.Motors)
	}

	if len(cfg.IonChambers) != 1 || cfg.IonChambers[0].ScalerChannel != 2 {
		t.Errorf("IonChambers = %+v, want one chamber on scaler channel 2", cfg.IonChambers)
	}
}

func TestLoad_LayeredFiles(t *testing.T) {
	base := `
[beamline]
name = "25-ID-C"

[database]
path = "/tmp/base.db"

[security.jwt]
secret = "test-secret-key-at-least-32-chars!"

[[motor]]
prefix = "255idVME:m1"
`
	override := `
[database]
path = "/tmp/override.db"

[[motor]]
prefix = "255idVME:m7"

[[motor]]
prefix = "255idVME:m8"
`
	tmpDir := t.TempDir()
	basePath := filepath.Join(tmpDir, "iconfig.toml")
	overridePath := filepath.Join(tmpDir, "iconfig_local.toml")
	if err := os.WriteFile(basePath, []byte(base), 0600); err != nil {
		t.Fatalf("failed to write base config: %v", err)
	}
	if err := os.WriteFile(overridePath, []byte(override), 0600); err != nil {
		t.Fatalf("failed to write override config: %v", err)
	}

	cfg, err := Load(basePath, overridePath, filepath.Join(tmpDir, "missing.toml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Later files replace whole top-level tables.
	if cfg.Database.Path != "/tmp/override.db" {
		t.Errorf("Database.Path = %q, want override value", cfg.Database.Path)
	}

	if len(cfg.Motors) != 2 {
		t.Fatalf("len(Motors) = %d, want 2 (override replaces the motor list)", len(cfg.Motors))
	}
	if cfg.Motors[0].Prefix != "255idVME:m7" {
		t.Errorf("Motors[0].Prefix = %q, want %q", cfg.Motors[0].Prefix, "255idVME:m7")
	}

	// Sections untouched by the override survive from the base file.
	if cfg.Beamline.Name != "25-ID-C" {
		t.Errorf("Beamline.Name = %q, want base value", cfg.Beamline.Name)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/iconfig.toml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "iconfig.toml")
	if err := os.WriteFile(configPath, []byte("[beamline\nname = broken"), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid TOML, got nil")
	}
}

func TestLoad_UnknownKey(t *testing.T) {
	content := `
[beamline]
name = "25-ID-C"
hardware_is_presnt = true

[database]
path = "/tmp/test.db"

[security.jwt]
secret = "test-secret-key-at-least-32-chars!"
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "iconfig.toml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for misspelled key, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	content := `
[beamline]
name = ""

[database]
path = "/tmp/test.db"

[api]
port = 8080
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "iconfig.toml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected validation error for empty beamline.name, got nil")
	}
}

func TestConfig_Validate(t *testing.T) {
	// validJWTSecret is a secret that meets the 32-character minimum requirement
	validJWTSecret := "test-secret-key-at-least-32-chars!"

	valid := func() *Config {
		return &Config{
			Beamline: BeamlineConfig{Name: "25-ID-C"},
			Database: DatabaseConfig{Path: "/data/beamline.db"},
			MQTT:     MQTTConfig{QoS: 1},
			API:      APIConfig{Port: 8080},
			Security: SecurityConfig{JWT: JWTConfig{Secret: validJWTSecret}},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing beamline name",
			mutate:  func(c *Config) { c.Beamline.Name = "" },
			wantErr: true,
		},
		{
			name:    "missing database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: true,
		},
		{
			name:    "invalid QoS",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: true,
		},
		{
			name:    "invalid port low",
			mutate:  func(c *Config) { c.API.Port = 0 },
			wantErr: true,
		},
		{
			name:    "invalid port high",
			mutate:  func(c *Config) { c.API.Port = 70000 },
			wantErr: true,
		},
		{
			name:    "missing JWT secret",
			mutate:  func(c *Config) { c.Security.JWT.Secret = "" },
			wantErr: true,
		},
		{
			name:    "JWT secret too short",
			mutate:  func(c *Config) { c.Security.JWT.Secret = "short" },
			wantErr: true,
		},
		{
			name: "hardware present without addr_list",
			mutate: func(c *Config) {
				c.Beamline.HardwareIsPresent = true
				c.EPICS.AddrList = nil
			},
			wantErr: true,
		},
		{
			name: "hardware present with addr_list",
			mutate: func(c *Config) {
				c.Beamline.HardwareIsPresent = true
				c.EPICS.AddrList = []string{"10.0.0.5:5064"}
			},
			wantErr: false,
		},
		{
			name:    "motor without prefix",
			mutate:  func(c *Config) { c.Motors = []MotorConfig{{Name: "nameless"}} },
			wantErr: true,
		},
		{
			name: "ion chamber on clock channel",
			mutate: func(c *Config) {
				c.IonChambers = []IonChamberConfig{{
					Name:          "I0",
					ScalerPrefix:  "25idcVME:3820",
					ScalerChannel: 1,
				}}
			},
			wantErr: true,
		},
		{
			name:    "energy without monochromator",
			mutate:  func(c *Config) { c.Energy = &EnergyConfig{Name: "energy"} },
			wantErr: true,
		},
		{
			name:    "bad slits kind",
			mutate:  func(c *Config) { c.Slits = []SlitsConfig{{Prefix: "255idc:KB", Kind: "wedge"}} },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := &Config{
		API: APIConfig{
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
	}

	if got := cfg.GetReadTimeout().Seconds(); got != 30 {
		t.Errorf("GetReadTimeout() = %v, want 30", got)
	}

	if got := cfg.GetWriteTimeout().Seconds(); got != 45 {
		t.Errorf("GetWriteTimeout() = %v, want 45", got)
	}

	if got := cfg.GetIdleTimeout().Seconds(); got != 60 {
		t.Errorf("GetIdleTimeout() = %v, want 60", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	// Set environment variables
	t.Setenv("BEAMLINE_DATABASE_PATH", "/custom/path.db")
	t.Setenv("BEAMLINE_EPICS_ADDR_LIST", "10.0.0.5:5064 10.0.0.6:5064")
	t.Setenv("BEAMLINE_MQTT_HOST", "mqtt.example.com")
	t.Setenv("BEAMLINE_MQTT_USERNAME", "testuser")
	t.Setenv("BEAMLINE_MQTT_PASSWORD", "testpass")
	t.Setenv("BEAMLINE_API_HOST", "192.168.1.1")
	t.Setenv("BEAMLINE_INFLUXDB_TOKEN", "secret-token")
	t.Setenv("BEAMLINE_JWT_SECRET", "jwt-secret")

	applyEnvOverrides(cfg)

	if cfg.Database.Path != "/custom/path.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/custom/path.db")
	}

	if len(cfg.EPICS.AddrList) != 2 || cfg.EPICS.AddrList[0] != "10.0.0.5:5064" {
		t.Errorf("EPICS.AddrList = %v, want two endpoints", cfg.EPICS.AddrList)
	}

	if cfg.MQTT.Broker.Host != "mqtt.example.com" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "mqtt.example.com")
	}

	if cfg.MQTT.Auth.Username != "testuser" {
		t.Errorf("MQTT.Auth.Username = %q, want %q", cfg.MQTT.Auth.Username, "testuser")
	}

	if cfg.MQTT.Auth.Password != "testpass" {
		t.Errorf("MQTT.Auth.Password = %q, want %q", cfg.MQTT.Auth.Password, "testpass")
	}

	if cfg.API.Host != "192.168.1.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "192.168.1.1")
	}

	if cfg.InfluxDB.Token != "secret-token" {
		t.Errorf("InfluxDB.Token = %q, want %q", cfg.InfluxDB.Token, "secret-token")
	}

	if cfg.Security.JWT.Secret != "jwt-secret" {
		t.Errorf("Security.JWT.Secret = %q, want %q", cfg.Security.JWT.Secret, "jwt-secret")
	}
}

func TestFilePaths_EnvList(t *testing.T) {
	t.Setenv(EnvConfigFiles, "/etc/beamline/iconfig.toml:/home/ops/iconfig.toml")

	paths := FilePaths("ignored.toml")
	if len(paths) != 2 {
		t.Fatalf("len(paths) = %d, want 2", len(paths))
	}
	if paths[0] != "/etc/beamline/iconfig.toml" {
		t.Errorf("paths[0] = %q, want %q", paths[0], "/etc/beamline/iconfig.toml")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Beamline.Name == "" {
		t.Error("defaultConfig should have non-empty Beamline.Name")
	}

	if cfg.Beamline.HardwareIsPresent {
		t.Error("defaultConfig should default to simulated hardware")
	}

	if cfg.Database.Path == "" {
		t.Error("defaultConfig should have non-empty Database.Path")
	}

	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("defaultConfig MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}

	if cfg.API.Port != 8080 {
		t.Errorf("defaultConfig API.Port = %d, want 8080", cfg.API.Port)
	}

	if cfg.Repeater.Port != 5065 {
		t.Errorf("defaultConfig Repeater.Port = %d, want 5065", cfg.Repeater.Port)
	}
}
