package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/nict-isp/uds-sdk/envelope"
	"github.com/nict-isp/uds-sdk/errors"
	"github.com/nict-isp/uds-sdk/pkg/timestamp"
	"github.com/nict-isp/uds-sdk/pkg/tlsutil"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "UDS_"

// Path placeholders.
const (
	ProjectHome = "{PROJECT_HOME}"
	OutDir      = "{OUT_DIR_PATH}"
	LogDir      = "{LOG_DIR_PATH}"
	CacheDir    = "{CACHE_DIR_PATH}"
	ConfigDir   = "{CONFIG_DIR_PATH}"
)

// Source types.
const (
	SourceHTTP      = "http"
	SourceCSVFiles  = "csv_files"
	SourceCSVDir    = "csv_dir"
	SourceUDP       = "udp"
	SourceWebSocket = "websocket"
)

// Parser types.
const (
	ParserCSV  = "csv"
	ParserJSON = "json"
)

// Seconds is a duration written as a number of seconds.
type Seconds float64

// Duration converts s.
func (s Seconds) Duration() time.Duration {
	return time.Duration(float64(s) * float64(time.Second))
}

// Config is the complete configuration of one sensor process.
type Config struct {
	// ProjectHome defaults to the parent of a "conf" config directory, or
	// the config directory itself.
	ProjectHome  string `yaml:"project_home" json:"project_home" env:"PROJECT_HOME"`
	OutDirPath   string `yaml:"out_dir_path" json:"out_dir_path" env:"OUT_DIR_PATH"`
	LogDirPath   string `yaml:"log_dir_path" json:"log_dir_path" env:"LOG_DIR_PATH"`
	CacheDirPath string `yaml:"cache_dir_path" json:"cache_dir_path" env:"CACHE_DIR_PATH"`
	// ConfigDirPath is the directory of the loaded file.
	ConfigDirPath string `yaml:"-" json:"-"`

	Sensor SensorConfig `yaml:"sensor" json:"sensor" envPrefix:"SENSOR_"`

	TimeOffset       string `yaml:"time_offset" json:"time_offset" env:"TIME_OFFSET"`
	FilterType       string `yaml:"filter_type" json:"filter_type" env:"FILTER_TYPE"`
	FilterBufferSize int    `yaml:"filter_buffer_size" json:"filter_buffer_size" env:"FILTER_BUFFER_SIZE"`
	StoreType        string `yaml:"store_type" json:"store_type" env:"STORE_TYPE"`

	Store  StoreConfig  `yaml:"store" json:"store" envPrefix:"STORE_"`
	Source SourceConfig `yaml:"source" json:"source" envPrefix:"SOURCE_"`
	Parser ParserConfig `yaml:"parser" json:"parser" envPrefix:"PARSER_"`

	TimeRecordEnabled bool          `yaml:"time_record_enabled" json:"time_record_enabled" env:"TIME_RECORD_ENABLED"`
	Log               LogConfig     `yaml:"log" json:"log" envPrefix:"LOG_"`
	Metrics           MetricsConfig `yaml:"metrics" json:"metrics" envPrefix:"METRICS_"`
}

// SensorConfig describes the envelopes a sensor produces.
type SensorConfig struct {
	Name        string                 `yaml:"name" json:"name" env:"NAME"`
	Info        envelope.Info          `yaml:"info" json:"info"`
	Schema      []envelope.SchemaEntry `yaml:"schema" json:"schema"`
	PrimaryKeys []string               `yaml:"primary_keys" json:"primary_keys" env:"PRIMARY_KEYS"`
}

// StoreConfig holds the settings of every store type; only the section
// named by Config.StoreType is used.
type StoreConfig struct {
	File      FileStore      `yaml:"file" json:"file" envPrefix:"FILE_"`
	EvWH      EvWHStore      `yaml:"evwh" json:"evwh" envPrefix:"EVWH_"`
	Postgres  PostgresStore  `yaml:"postgres" json:"postgres" envPrefix:"POSTGRES_"`
	NATS      NATSStore      `yaml:"nats" json:"nats" envPrefix:"NATS_"`
	LastValue LastValueStore `yaml:"last_value" json:"last_value" envPrefix:"LAST_VALUE_"`
}

// FileStore configures the file sink.
type FileStore struct {
	DirPath    string `yaml:"dir_path" json:"dir_path" env:"DIR_PATH"`
	DirFileMax int    `yaml:"dir_file_max" json:"dir_file_max" env:"DIR_FILE_MAX"`
}

// EvWHStore configures the event warehouse sink.
type EvWHStore struct {
	Host string `yaml:"host" json:"host" env:"HOST"`
	Port int    `yaml:"port" json:"port" env:"PORT"`
	// TableName defaults to the sensor name.
	TableName          string  `yaml:"table_name" json:"table_name" env:"TABLE_NAME"`
	InsertTimeout      Seconds `yaml:"insert_timeout" json:"insert_timeout" env:"INSERT_TIMEOUT"`
	SelectTimeout      Seconds `yaml:"select_timeout" json:"select_timeout" env:"SELECT_TIMEOUT"`
	PrimaryKeysEnabled bool    `yaml:"primary_keys_enabled" json:"primary_keys_enabled" env:"PRIMARY_KEYS_ENABLED"`
	ErrorDirPath       string  `yaml:"error_dir_path" json:"error_dir_path" env:"ERROR_DIR_PATH"`
}

// PostgresStore configures the relational sink.
type PostgresStore struct {
	DSN string `yaml:"dsn" json:"dsn" env:"DSN"`
	// Table defaults to the lower-cased sensor name.
	Table string `yaml:"table" json:"table" env:"TABLE"`
}

// NATSStore configures the NATS sink.
type NATSStore struct {
	URL     string `yaml:"url" json:"url" env:"URL"`
	Subject string `yaml:"subject" json:"subject" env:"SUBJECT"`
	Stream  string `yaml:"stream" json:"stream" env:"STREAM"`

	TLS tlsutil.ClientConfig `yaml:"tls" json:"tls" envPrefix:"TLS_"`
}

// LastValueStore configures the local last-value database used by the
// time-ordered filter when the sink cannot be queried.
type LastValueStore struct {
	Dir  string `yaml:"dir" json:"dir" env:"DIR"`
	Sync bool   `yaml:"sync" json:"sync" env:"SYNC"`
}

// SourceConfig selects and configures the fetcher.
type SourceConfig struct {
	Type string `yaml:"type" json:"type" env:"TYPE"`
	// Interval paces fetches; zero fetches back to back.
	Interval Seconds `yaml:"interval" json:"interval" env:"INTERVAL"`
	Charset  string  `yaml:"charset" json:"charset" env:"CHARSET"`

	URL     string  `yaml:"url" json:"url" env:"URL"`
	Timeout Seconds `yaml:"timeout" json:"timeout" env:"TIMEOUT"`

	Files   []string `yaml:"files" json:"files" env:"FILES"`
	Dir     string   `yaml:"dir" json:"dir" env:"DIR"`
	Pattern string   `yaml:"pattern" json:"pattern" env:"PATTERN"`

	Bind string `yaml:"bind" json:"bind" env:"BIND"`
	Port int    `yaml:"port" json:"port" env:"PORT"`
	Addr string `yaml:"addr" json:"addr" env:"ADDR"`
	Path string `yaml:"path" json:"path" env:"PATH"`

	QueueSize  int  `yaml:"queue_size" json:"queue_size" env:"QUEUE_SIZE"`
	DropOldest bool `yaml:"drop_oldest" json:"drop_oldest" env:"DROP_OLDEST"`

	// TLS secures HTTP polling; ServerTLS secures the WebSocket listener.
	TLS       tlsutil.ClientConfig `yaml:"tls" json:"tls" envPrefix:"TLS_"`
	ServerTLS tlsutil.ServerConfig `yaml:"server_tls" json:"server_tls" envPrefix:"SERVER_TLS_"`
}

// ParserConfig selects and configures the parser.
type ParserConfig struct {
	Type        string   `yaml:"type" json:"type" env:"TYPE"`
	Columns     []string `yaml:"columns" json:"columns" env:"COLUMNS"`
	Delimiter   string   `yaml:"delimiter" json:"delimiter" env:"DELIMITER"`
	SkipRows    int      `yaml:"skip_rows" json:"skip_rows" env:"SKIP_ROWS"`
	RecordsPath string   `yaml:"records_path" json:"records_path" env:"RECORDS_PATH"`
	BatchSize   int      `yaml:"batch_size" json:"batch_size" env:"BATCH_SIZE"`
	KeepUnknown bool     `yaml:"keep_unknown" json:"keep_unknown" env:"KEEP_UNKNOWN"`
}

// LogConfig configures process logging.
type LogConfig struct {
	Level  string `yaml:"level" json:"level" env:"LEVEL"`
	Format string `yaml:"format" json:"format" env:"FORMAT"`
	// FileEnabled also writes the log to <log dir>/<sensor>.log.
	FileEnabled bool `yaml:"file_enabled" json:"file_enabled" env:"FILE_ENABLED"`
}

// MetricsConfig configures the Prometheus endpoint. Port 0 disables it.
type MetricsConfig struct {
	Port int    `yaml:"port" json:"port" env:"PORT"`
	Path string `yaml:"path" json:"path" env:"PATH"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		OutDirPath:   ProjectHome + "/_out",
		LogDirPath:   ProjectHome + "/_log",
		CacheDirPath: ProjectHome + "/_cache",
		Sensor: SensorConfig{
			Info: envelope.Info{FormatVersion: envelope.RevisionB},
		},
		TimeOffset: timestamp.UTC,
		FilterType: "time_order_filter",
		StoreType:  "file",
		Store: StoreConfig{
			File: FileStore{
				DirPath:    OutDir + "/m2m_data",
				DirFileMax: 1000,
			},
			EvWH: EvWHStore{
				InsertTimeout: 2,
				SelectTimeout: 2,
				ErrorDirPath:  OutDir + "/evwh_error",
			},
			NATS:      NATSStore{Subject: "uds.m2m"},
			LastValue: LastValueStore{Dir: CacheDir + "/last_values"},
		},
		Source: SourceConfig{
			Timeout: 20,
			Pattern: "*.csv",
			Path:    "/ws",
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "text",
			FileEnabled: true,
		},
		Metrics: MetricsConfig{Path: "/metrics"},
	}
}

// Load returns Default overlaid by the file at path and the environment.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := ParseEnv(cfg); err != nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "Config", "Load", "environment overrides")
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.WrapFatal(err, "Config", "Load", "read "+path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	case ".json":
		err = json.Unmarshal(data, c)
	default:
		err = fmt.Errorf("unsupported config extension %q", filepath.Ext(path))
	}
	if err != nil {
		return errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "Config", "Load", "decode "+path)
	}

	if abs, err := filepath.Abs(filepath.Dir(path)); err == nil {
		c.ConfigDirPath = abs
	} else {
		c.ConfigDirPath = filepath.Dir(path)
	}
	return nil
}

// ParseEnv applies UDS_* environment variables to target.
func ParseEnv(target any) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Resolve expands placeholders in every path setting. Directory settings
// are resolved first so they can be referenced by the others.
func (c *Config) Resolve() error {
	if c.ConfigDirPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			return errors.WrapFatal(err, "Config", "Resolve", "working directory lookup")
		}
		c.ConfigDirPath = wd
	}
	if c.ProjectHome == "" {
		c.ProjectHome = c.ConfigDirPath
		if filepath.Base(c.ConfigDirPath) == "conf" {
			c.ProjectHome = filepath.Dir(c.ConfigDirPath)
		}
	}

	home := strings.NewReplacer(ProjectHome, c.ProjectHome, ConfigDir, c.ConfigDirPath)
	c.OutDirPath = home.Replace(c.OutDirPath)
	c.LogDirPath = home.Replace(c.LogDirPath)
	c.CacheDirPath = home.Replace(c.CacheDirPath)

	for _, p := range []*string{
		&c.Store.File.DirPath,
		&c.Store.EvWH.ErrorDirPath,
		&c.Store.LastValue.Dir,
		&c.Source.Dir,
		&c.Source.TLS.CertFile,
		&c.Source.TLS.KeyFile,
		&c.Source.ServerTLS.CertFile,
		&c.Source.ServerTLS.KeyFile,
		&c.Store.NATS.TLS.CertFile,
		&c.Store.NATS.TLS.KeyFile,
	} {
		*p = c.ResolvePath(*p)
	}
	for _, list := range [][]string{
		c.Source.Files,
		c.Source.TLS.CAFiles,
		c.Source.ServerTLS.ClientCAFiles,
		c.Store.NATS.TLS.CAFiles,
	} {
		for i, f := range list {
			list[i] = c.ResolvePath(f)
		}
	}
	return nil
}

// ResolvePath expands every placeholder in p.
func (c *Config) ResolvePath(p string) string {
	return strings.NewReplacer(
		ProjectHome, c.ProjectHome,
		OutDir, c.OutDirPath,
		LogDir, c.LogDirPath,
		CacheDir, c.CacheDirPath,
		ConfigDir, c.ConfigDirPath,
	).Replace(p)
}

// Offset returns the normalized time offset.
func (c *Config) Offset() (string, error) {
	off, err := timestamp.NormalizeOffset(c.TimeOffset)
	if err != nil {
		return "", errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "Config", "Offset", "time offset")
	}
	return off, nil
}

// Metadata returns the envelope builder metadata.
func (c *Config) Metadata() (envelope.Metadata, error) {
	off, err := c.Offset()
	if err != nil {
		return envelope.Metadata{}, err
	}
	return envelope.Metadata{
		Title:       c.Sensor.Name,
		Timezone:    off,
		Info:        c.Sensor.Info,
		Schema:      c.Sensor.Schema,
		PrimaryKeys: c.Sensor.PrimaryKeys,
	}, nil
}

// EvWHTable returns the event warehouse table name.
func (c *Config) EvWHTable() string {
	if c.Store.EvWH.TableName != "" {
		return c.Store.EvWH.TableName
	}
	return c.Sensor.Name
}

// PostgresTable returns the relational table name.
func (c *Config) PostgresTable() string {
	if c.Store.Postgres.Table != "" {
		return c.Store.Postgres.Table
	}
	return strings.ToLower(c.Sensor.Name)
}

// YAML renders the configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
