package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/vskurikhin/go-pg-sync/logger"
	"github.com/vskurikhin/go-pg-sync/pq"
	"github.com/vskurikhin/go-pg-sync/pq/slot"
)

type Config struct {
	Logger    LoggerConfig     `json:"logger" yaml:"logger"`
	Host      string           `json:"host" yaml:"host"`
	Username  string           `json:"username" yaml:"username"`
	Password  string           `json:"password" yaml:"password"`
	Database  string           `json:"database" yaml:"database"`
	Secondary *SecondaryConfig `json:"secondary" yaml:"secondary"`
	Slot      slot.Config      `json:"slot" yaml:"slot"`
	Logical   LogicalConfig    `json:"logical" yaml:"logical"`
	Scan      ScanConfig       `json:"scan" yaml:"scan"`
	Decode    DecodeConfig     `json:"decode" yaml:"decode"`
	Metric    MetricConfig     `json:"metric" yaml:"metric"`
	Port      int              `json:"port" yaml:"port"`
	DebugMode bool             `json:"debugMode" yaml:"debugMode"`
}

// SecondaryConfig points scan traffic at a read replica. Log-based sync
// always runs against the primary.
type SecondaryConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// LogicalConfig tunes the log-based sync loop. All durations are wall-clock
// budgets, in seconds, not per-call deadlines.
type LogicalConfig struct {
	PollIntervalSeconds     int  `json:"pollIntervalSeconds" yaml:"pollIntervalSeconds"`
	MaxPollSeconds          int  `json:"maxPollSeconds" yaml:"maxPollSeconds"`
	MaxRunSeconds           int  `json:"maxRunSeconds" yaml:"maxRunSeconds"`
	SnapshotIntervalSeconds int  `json:"snapshotIntervalSeconds" yaml:"snapshotIntervalSeconds"`
	BreakAtEndLSN           bool `json:"breakAtEndLSN" yaml:"breakAtEndLSN"`
}

func (c LogicalConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c LogicalConfig) MaxPollDuration() time.Duration {
	return time.Duration(c.MaxPollSeconds) * time.Second
}

func (c LogicalConfig) MaxRunDuration() time.Duration {
	return time.Duration(c.MaxRunSeconds) * time.Second
}

func (c LogicalConfig) SnapshotInterval() time.Duration {
	return time.Duration(c.SnapshotIntervalSeconds) * time.Second
}

type ScanConfig struct {
	// WorkMem is the session sort-memory budget applied before ordered
	// scans, e.g. "256MB". Empty leaves the server default.
	WorkMem   string `json:"workMem" yaml:"workMem"`
	BatchSize int    `json:"batchSize" yaml:"batchSize"`
	// FastSync trades resumability for speed on full-table streams: no
	// server-side sort, no checkpoint, restart rescans from the start.
	FastSync bool `json:"fastSync" yaml:"fastSync"`
}

type DecodeConfig struct {
	// Permissive nulls out undecodable composite elements instead of
	// failing the owning row.
	Permissive bool `json:"permissive" yaml:"permissive"`
}

type MetricConfig struct {
	Port int `json:"port" yaml:"port"`
}

type LoggerConfig struct {
	Logger   logger.Logger `json:"-" yaml:"-"`
	LogLevel slog.Level    `json:"level" yaml:"level"`
}

func (c *Config) Identity() pq.TargetIdentity {
	return pq.TargetIdentity{Host: c.Host, Port: c.Port, Database: c.Database}
}

// ScanIdentity is where cursor scans connect: the secondary when configured,
// the primary otherwise.
func (c *Config) ScanIdentity() pq.TargetIdentity {
	if c.Secondary != nil {
		return pq.TargetIdentity{Host: c.Secondary.Host, Port: c.Secondary.Port, Database: c.Database}
	}
	return c.Identity()
}

// ReplicationDSN opens the walsender session used for log-based sync.
func (c *Config) ReplicationDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?replication=database",
		url.QueryEscape(c.Username), url.QueryEscape(c.Password), c.Host, c.Port, c.Database)
}

// DSNFor renders the plain query DSN for any target identity; the connection
// manager uses it for scan and decode traffic.
func (c *Config) DSNFor(identity pq.TargetIdentity) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		url.QueryEscape(c.Username), url.QueryEscape(c.Password), identity.Host, identity.Port, identity.Database)
}

func (c *Config) SetDefault() {
	if c.Port == 0 {
		c.Port = 5432
	}

	if c.Secondary != nil && c.Secondary.Port == 0 {
		c.Secondary.Port = 5432
	}

	if c.Metric.Port == 0 {
		c.Metric.Port = 8080
	}

	if c.Logical.PollIntervalSeconds == 0 {
		c.Logical.PollIntervalSeconds = 10
	}

	if c.Logical.MaxPollSeconds == 0 {
		c.Logical.MaxPollSeconds = 10800
	}

	if c.Logical.SnapshotIntervalSeconds == 0 {
		c.Logical.SnapshotIntervalSeconds = 60
	}

	if c.Scan.BatchSize == 0 {
		c.Scan.BatchSize = 1000
	}

	if c.Logger.Logger == nil {
		c.Logger.Logger = logger.NewSlog(c.Logger.LogLevel)
	}
}

func (c *Config) Validate() error {
	var err error
	if isEmpty(c.Host) {
		err = errors.Join(err, errors.New("host cannot be empty"))
	}

	if isEmpty(c.Username) {
		err = errors.Join(err, errors.New("username cannot be empty"))
	}

	if isEmpty(c.Password) {
		err = errors.Join(err, errors.New("password cannot be empty"))
	}

	if isEmpty(c.Database) {
		err = errors.Join(err, errors.New("database cannot be empty"))
	}

	if c.Secondary != nil && isEmpty(c.Secondary.Host) {
		err = errors.Join(err, errors.New("secondary host cannot be empty when secondary is set"))
	}

	if c.Scan.BatchSize < 0 {
		err = errors.Join(err, errors.New("scan batch size cannot be negative"))
	}

	if c.Logical.PollIntervalSeconds < 0 {
		err = errors.Join(err, errors.New("poll interval cannot be negative"))
	}

	if c.Logical.MaxPollSeconds != 0 && c.Logical.MaxPollSeconds < c.Logical.PollIntervalSeconds {
		err = errors.Join(err, errors.New("max poll window cannot be shorter than the poll interval"))
	}

	if c.Logical.MaxRunSeconds < 0 {
		err = errors.Join(err, errors.New("max run duration cannot be negative"))
	}

	if cErr := c.Slot.Validate(c.Database); cErr != nil {
		err = errors.Join(err, cErr)
	}

	return err
}

func (c *Config) Print() {
	cfg := *c
	cfg.Password = "*******"
	b, _ := json.Marshal(cfg)
	fmt.Println("used config: " + string(b))
}

func isEmpty(s string) bool {
	return strings.TrimSpace(s) == ""
}
