package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/hmelgaard/oceandash/internal/aanderaa"
)

// Config holds the full process configuration.
type Config struct {
	mu sync.RWMutex

	// Sensors lists the serial channels to read.
	Sensors []SensorConfig `yaml:"sensors" json:"sensors"`

	// Server configures the HTTP/WebSocket façade.
	Server ServerConfig `yaml:"server" json:"server"`

	// Recording configures the JSON-lines recorder.
	Recording RecordingConfig `yaml:"recording" json:"recording"`

	// Baro is the optional barometric pressure override used when scaling
	// O2 solubility; disabled by default.
	Baro BaroConfig `yaml:"baro" json:"baro"`

	// StatePath is where persisted app state (pressure air baselines) lives.
	// Empty means a per-user default under os.UserConfigDir().
	StatePath string `yaml:"state_path" json:"statePath"`

	path string // file path for save/load
}

// SensorConfig describes one sensor channel. The field names mirror the
// sensor_config entries operators already maintain.
type SensorConfig struct {
	Name       string `yaml:"name" json:"name"`
	ComPort    string `yaml:"com_port" json:"comPort"`
	BaudRate   int    `yaml:"baudrate" json:"baudRate"`
	SensorType string `yaml:"sensor_type" json:"sensorType"` // oxygen|conductivity|pressure|unknown
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

type RecordingConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

type BaroConfig struct {
	Enabled bool    `yaml:"enabled" json:"enabled"`
	KPa     float64 `yaml:"kpa" json:"kPa"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Sensors: nil,
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		Recording: RecordingConfig{
			Enabled: false,
			Path:    "/var/log/oceandash",
		},
		Baro: BaroConfig{
			Enabled: false,
			KPa:     101.325,
		},
	}
}

// LoadConfig reads config from a YAML file, then applies environment variable
// overrides. Falls back to defaults if the file is absent or unparsable.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: LISTEN_ADDR, RECORD_ENABLED, RECORD_PATH, BARO_ENABLED,
// BARO_KPA, STATE_PATH.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("RECORD_ENABLED"); v != "" {
		c.Recording.Enabled = isTruthy(v)
	}
	if v := os.Getenv("RECORD_PATH"); v != "" {
		c.Recording.Path = v
	}
	if v := os.Getenv("BARO_ENABLED"); v != "" {
		c.Baro.Enabled = isTruthy(v)
	}
	if v := os.Getenv("BARO_KPA"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Baro.KPa = f
		}
	}
	if v := os.Getenv("STATE_PATH"); v != "" {
		c.StatePath = v
	}
}

func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// ResolveStatePath returns the configured state file path, or the per-user
// default (<user-config-dir>/oceandash/app_state.json).
func (c *Config) ResolveStatePath() string {
	c.mu.RLock()
	sp := c.StatePath
	c.mu.RUnlock()
	if sp != "" {
		return sp
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "app_state.json"
	}
	return filepath.Join(base, "oceandash", "app_state.json")
}

// BaroKPa returns the barometric override in kPa when enabled.
func (c *Config) BaroKPa() (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.Baro.Enabled || c.Baro.KPa <= 0 {
		return 0, false
	}
	return c.Baro.KPa, true
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		return fmt.Errorf("config: no file path to save to")
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved (e.g. sensor lists, paths).
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}

// SuggestConfig builds a sensors block from live-identified handles, the way
// an operator would want it written to disk after a scan.
func SuggestConfig(sensors []*aanderaa.Sensor) *Config {
	cfg := DefaultConfig()
	for _, s := range sensors {
		product, serialNo := s.ProductNumber(), s.SerialNumber()
		if product == "" || serialNo == "" {
			continue
		}
		cfg.Sensors = append(cfg.Sensors, SensorConfig{
			Name:       aanderaa.SuggestedName(product, serialNo),
			ComPort:    s.ComPort(),
			BaudRate:   9600,
			SensorType: aanderaa.InferSensorType(product).String(),
		})
	}
	return cfg
}

// SuggestYAML renders the suggested config as YAML for printing.
func SuggestYAML(cfg *Config) (string, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("config: marshal suggestion: %w", err)
	}
	return string(data), nil
}
