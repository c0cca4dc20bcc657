package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"stressmonitor/protocol"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v interface{}
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v interface{}) error {
	switch val := v.(type) {
	case float64:
		d.Duration = time.Duration(int64(val)) * time.Millisecond
	case int:
		d.Duration = time.Duration(val) * time.Millisecond
	case string:
		var err error
		d.Duration, err = time.ParseDuration(val)
		return err
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

// Explosion policies.
const (
	PolicyIgnoreDuplicate = "ignore_duplicate"
	PolicyDeclareWinner   = "declare_winner"
)

// Result store backends.
const (
	StoreFile  = "file"
	StoreRedis = "redis"
)

type Summarizer struct {
	URL     string   `json:"url" yaml:"url"`
	APIKey  string   `json:"api_key" yaml:"api_key"`
	Model   string   `json:"model" yaml:"model"`
	Timeout Duration `json:"timeout" yaml:"timeout"`
	Retries int      `json:"retries" yaml:"retries"`
}

// Target describes one system under test: where its load agent listens,
// where its run configuration document lives and how to reach its shell.
type Target struct {
	SystemID       string `json:"system_id" yaml:"system_id"`
	AgentURL       string `json:"agent_url" yaml:"agent_url"`
	ConfigPath     string `json:"config_path" yaml:"config_path"`
	ShellHost      string `json:"shell_host" yaml:"shell_host"`
	ShellPort      int    `json:"shell_port" yaml:"shell_port"`
	ShellUser      string `json:"shell_user" yaml:"shell_user"`
	ShellPassword  string `json:"shell_password" yaml:"shell_password"`
	ShellKeyFile   string `json:"shell_key_file" yaml:"shell_key_file"`
	KnownHostsFile string `json:"known_hosts_file" yaml:"known_hosts_file"`
}

type Config struct {
	Host               string     `json:"host" yaml:"host"`
	Port               int        `json:"port" yaml:"port"`
	WriteTimeout       Duration   `json:"write_timeout" yaml:"write_timeout"`
	ReadTimeout        Duration   `json:"read_timeout" yaml:"read_timeout"`
	PingInterval       Duration   `json:"ping_interval" yaml:"ping_interval"`
	MaxMessageSize     int64      `json:"max_message_size" yaml:"max_message_size"`
	BrokerType         string     `json:"broker_type" yaml:"broker_type"`
	RedisAddr          string     `json:"redis_addr" yaml:"redis_addr"`
	RedisPassword      string     `json:"redis_password" yaml:"redis_password"`
	RedisDB            int        `json:"redis_db" yaml:"redis_db"`
	RateLimitPerSec    int        `json:"rate_limit_per_sec" yaml:"rate_limit_per_sec"`
	RateLimitBurst     int        `json:"rate_limit_burst" yaml:"rate_limit_burst"`
	RateLimitShards    int        `json:"rate_limit_shards" yaml:"rate_limit_shards"`
	TLSCert            string     `json:"tls_cert" yaml:"tls_cert"`
	TLSKey             string     `json:"tls_key" yaml:"tls_key"`
	MetricsEnabled     bool       `json:"metrics_enabled" yaml:"metrics_enabled"`
	MetricsPort        int        `json:"metrics_port" yaml:"metrics_port"`
	CompressionEnabled bool       `json:"compression_enabled" yaml:"compression_enabled"`
	SendBufferSize     int        `json:"send_buffer_size" yaml:"send_buffer_size"`
	ShardCount         int        `json:"shard_count" yaml:"shard_count"`
	LogLevel           string     `json:"log_level" yaml:"log_level"`
	LogFormat          string     `json:"log_format" yaml:"log_format"`
	ResultStore        string     `json:"result_store" yaml:"result_store"`
	ResultsPath        string     `json:"results_path" yaml:"results_path"`
	ResultsKey         string     `json:"results_key" yaml:"results_key"`
	AnalysisDebounce   Duration   `json:"analysis_debounce" yaml:"analysis_debounce"`
	ExplosionPolicy    string     `json:"explosion_policy" yaml:"explosion_policy"`
	DefaultMaxCPULoad  float64    `json:"default_max_cpu_load" yaml:"default_max_cpu_load"`
	AgentTimeout       Duration   `json:"agent_timeout" yaml:"agent_timeout"`
	Summarizer         Summarizer `json:"summarizer" yaml:"summarizer"`
	Targets            []Target   `json:"targets" yaml:"targets"`
}

func Default() *Config {
	return &Config{
		Host:               "0.0.0.0",
		Port:               8000,
		WriteTimeout:       Duration{10 * time.Second},
		ReadTimeout:        Duration{60 * time.Second},
		PingInterval:       Duration{30 * time.Second},
		MaxMessageSize:     65536,
		BrokerType:         "local",
		RedisAddr:          "localhost:6379",
		RedisPassword:      "",
		RedisDB:            0,
		RateLimitPerSec:    50,
		RateLimitBurst:     100,
		RateLimitShards:    16,
		TLSCert:            "",
		TLSKey:             "",
		MetricsEnabled:     true,
		MetricsPort:        9090,
		CompressionEnabled: false,
		SendBufferSize:     64,
		ShardCount:         8,
		LogLevel:           "info",
		LogFormat:          "text",
		ResultStore:        StoreFile,
		ResultsPath:        "run_results.json",
		ResultsKey:         "stressmonitor:results",
		AnalysisDebounce:   Duration{3 * time.Second},
		ExplosionPolicy:    PolicyIgnoreDuplicate,
		DefaultMaxCPULoad:  75.0,
		AgentTimeout:       Duration{10 * time.Second},
		Summarizer: Summarizer{
			Model:   "gpt-4o-mini",
			Timeout: Duration{30 * time.Second},
			Retries: 2,
		},
		Targets: []Target{
			{
				SystemID:   "asterisk",
				AgentURL:   "http://192.168.10.31:8081",
				ConfigPath: "/opt/stresstest_monitor/configs/asterisk_config.txt",
				ShellHost:  "192.168.10.31",
				ShellPort:  22,
				ShellUser:  "root",
			},
			{
				SystemID:   "freeswitch",
				AgentURL:   "http://192.168.10.33:8081",
				ConfigPath: "/opt/stresstest_monitor/configs/freeswitch_config.txt",
				ShellHost:  "192.168.10.33",
				ShellPort:  22,
				ShellUser:  "root",
			},
		},
	}
}

// LoadFromFile overlays the file at path on the defaults. Files ending in
// .yaml or .yml are parsed as YAML, anything else as JSON.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return cfg, errors.Wrapf(err, "parse %s", path)
	}
	return cfg, cfg.Validate()
}

func LoadFromEnv() *Config {
	cfg := Default()
	if v := os.Getenv("STRESS_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("STRESS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("STRESS_BROKER"); v != "" {
		cfg.BrokerType = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("TLS_CERT"); v != "" {
		cfg.TLSCert = v
	}
	if v := os.Getenv("TLS_KEY"); v != "" {
		cfg.TLSKey = v
	}
	if v := os.Getenv("STRESS_RESULT_STORE"); v != "" {
		cfg.ResultStore = v
	}
	if v := os.Getenv("STRESS_RESULTS_PATH"); v != "" {
		cfg.ResultsPath = v
	}
	if v := os.Getenv("STRESS_EXPLOSION_POLICY"); v != "" {
		cfg.ExplosionPolicy = v
	}
	if v := os.Getenv("STRESS_ANALYSIS_DEBOUNCE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.AnalysisDebounce.Duration = d
		}
	}
	if v := os.Getenv("STRESS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SUMMARIZER_URL"); v != "" {
		cfg.Summarizer.URL = v
	}
	if v := os.Getenv("SUMMARIZER_API_KEY"); v != "" {
		cfg.Summarizer.APIKey = v
	}
	if v := os.Getenv("SUMMARIZER_MODEL"); v != "" {
		cfg.Summarizer.Model = v
	}
	if v := os.Getenv("STRESS_COMPRESSION"); v == "true" || v == "1" {
		cfg.CompressionEnabled = true
	}
	if v := os.Getenv("STRESS_SEND_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SendBufferSize = n
		}
	}
	return cfg
}

// Validate checks the settings the service cannot run without.
func (c *Config) Validate() error {
	switch c.ExplosionPolicy {
	case PolicyIgnoreDuplicate, PolicyDeclareWinner:
	default:
		return errors.Errorf("unknown explosion_policy %q", c.ExplosionPolicy)
	}
	switch c.ResultStore {
	case StoreFile, StoreRedis:
	default:
		return errors.Errorf("unknown result_store %q", c.ResultStore)
	}
	if len(c.Targets) != 2 {
		return errors.Errorf("exactly two targets required, got %d", len(c.Targets))
	}
	for _, t := range c.Targets {
		if !protocol.IsSystemID(t.SystemID) {
			return errors.Errorf("unknown target system_id %q", t.SystemID)
		}
	}
	if c.Targets[0].SystemID == c.Targets[1].SystemID {
		return errors.Errorf("targets must name different systems, both are %q", c.Targets[0].SystemID)
	}
	return nil
}

// Target returns the target for systemID.
func (c *Config) Target(systemID string) (Target, bool) {
	for _, t := range c.Targets {
		if t.SystemID == systemID {
			return t, true
		}
	}
	return Target{}, false
}
