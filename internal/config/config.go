// Package config parses the proxy's YAML configuration file: one entry per
// pool (listen address, hashing/distribution policy, backend list, quota,
// auth) plus the top-level Runtime knobs table.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "500ms" or "2s" parse
// through time.ParseDuration — yaml.v3 has no built-in handling for
// durations. A bare integer is read as milliseconds, matching the original
// config format's timeout fields.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Tag == "!!int" {
		var n int64
		if err := value.Decode(&n); err != nil {
			return err
		}
		*d = Duration(time.Duration(n) * time.Millisecond)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "config: duration %q", s)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServerConfig is one backend line: "host:port:weight [name]", optionally
// followed by its own slave lines in the pool's servers list.
type ServerConfig struct {
	Addr    string
	Weight  int
	Name    string
	IsSlave bool
}

// PoolConfig is one pool's full set of tunables: listen address, hashing
// and distribution policy, backend list, quota, auth, and pipeline limits.
type PoolConfig struct {
	Name string `yaml:"-"`

	Listen             string   `yaml:"listen"`
	Hash               string   `yaml:"hash"`
	HashTag            string   `yaml:"hash_tag"`
	Distribution       string   `yaml:"distribution"`
	Timeout            Duration `yaml:"timeout"`
	Backlog            int      `yaml:"backlog"`
	ClientConnections  int      `yaml:"client_connections"`
	Redis              bool     `yaml:"redis"`
	Preconnect         bool     `yaml:"preconnect"`
	AutoEjectHosts     bool     `yaml:"auto_eject_hosts"`
	ServerConnections  int      `yaml:"server_connections"`
	ServerRetryTimeout Duration `yaml:"server_retry_timeout"`
	ServerFailureLimit int      `yaml:"server_failure_limit"`
	FlowControl        bool     `yaml:"flow_control"`
	Quota              int64    `yaml:"quota"`
	Password           string   `yaml:"password"`
	ClientAuth         string   `yaml:"client_auth"`
	Protocol           string   `yaml:"protocol"` // "redis" (default) or "memcache"
	PipelineLimit      int      `yaml:"pipeline_limit"`
	PipelineResume     int      `yaml:"pipeline_resume"`
	ServersRaw         []string `yaml:"servers"`
	SentinelMasterName string   `yaml:"sentinel_master_name"`

	Servers []ServerConfig `yaml:"-"`
}

// RuntimeConfig is the top-level knobs table: verbosity, log rotation,
// stats/sentinel listen addresses, mbuf sizing, memory ceiling, slow-query
// threshold, graylist file, client keepalive.
type RuntimeConfig struct {
	Verbosity int    `yaml:"verbosity"`
	LogFile   string `yaml:"log_file"`
	// LogMaxAge/LogRotateCount configure lestrrat-go/file-rotatelogs
	// (internal/logging). LogRotateDaily is parsed but not read: rotation is
	// always daily.
	LogRotateDaily    bool     `yaml:"log_rotate_daily"`
	LogMaxAge         Duration `yaml:"log_max_age"`
	LogRotateCount    uint     `yaml:"log_rotate_count"`
	PidFile           string   `yaml:"pid_file"`
	StatsListen       string   `yaml:"stats_listen"`
	StatsInterval     Duration `yaml:"stats_interval"`
	DatadogAddr       string   `yaml:"datadog_addr"`
	SentinelAddr      string   `yaml:"sentinel_addr"`
	ReconnectInterval Duration `yaml:"server_reconnect_interval"`
	MbufSize          int      `yaml:"mbuf_size"`
	MaxMemoryMB       int64    `yaml:"max_memory_mb"`
	SlowQueryMillis   int64    `yaml:"slow_query_ms"`
	SlowLogFile       string   `yaml:"slow_log_file"`
	GraylistFile      string   `yaml:"graylist_file"`
	Broadcast         []string `yaml:"broadcast_whitelist"`
	ClientKeepalive   Duration `yaml:"client_keepalive"`
	WhitelistFile     string   `yaml:"whitelist_file"`
}

// Config is the fully parsed configuration file.
type Config struct {
	Pools   map[string]*PoolConfig `yaml:"pools"`
	Runtime RuntimeConfig          `yaml:"runtime"`
}

const (
	minMbufSize = 512
	maxMbufSize = 64 * 1024
)

// Load reads and validates the YAML file at path, applying defaults for
// anything left unset (mbuf size bounds, pipeline tuning, hash/distribution
// policy, etc.).
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: read %s", path)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrapf(err, "config: parse %s", path)
	}
	if cfg.Runtime.MbufSize == 0 {
		cfg.Runtime.MbufSize = 16 * 1024
	}
	if cfg.Runtime.MbufSize < minMbufSize || cfg.Runtime.MbufSize > maxMbufSize {
		return nil, errors.Errorf("config: mbuf_size %d out of bounds [%d, %d]", cfg.Runtime.MbufSize, minMbufSize, maxMbufSize)
	}
	for name, p := range cfg.Pools {
		p.Name = name
		if p.Listen == "" {
			return nil, errors.Errorf("config: pool %q missing listen address", name)
		}
		if p.Hash == "" {
			p.Hash = "md5"
		}
		if p.Distribution == "" {
			p.Distribution = "ketama"
		}
		if p.Protocol == "" {
			p.Protocol = "redis"
		}
		if p.ServerConnections <= 0 {
			p.ServerConnections = 1
		}
		if p.PipelineLimit <= 0 {
			p.PipelineLimit = 100
		}
		if p.PipelineResume <= 0 {
			p.PipelineResume = p.PipelineLimit / 2
		}
		servers, err := parseServers(p.ServersRaw)
		if err != nil {
			return nil, errors.Wrapf(err, "config: pool %q", name)
		}
		p.Servers = servers
	}
	return &cfg, nil
}

// parseServers parses each "host:port:weight [name]" line; a line prefixed
// with "slave " marks it as a read replica of the preceding master line's
// name, a twemproxy-shaped shorthand folded into this single YAML list
// rather than a separate config block, since YAML already gives us
// structured lists.
func parseServers(lines []string) ([]ServerConfig, error) {
	out := make([]ServerConfig, 0, len(lines))
	for _, line := range lines {
		isSlave := false
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "slave ") {
			isSlave = true
			trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, "slave "))
		}
		fields := strings.Fields(trimmed)
		if len(fields) == 0 {
			continue
		}
		parts := strings.Split(fields[0], ":")
		if len(parts) < 3 {
			return nil, errors.Errorf("malformed server line %q, want host:port:weight", line)
		}
		weight, err := strconv.Atoi(parts[2])
		if err != nil {
			return nil, errors.Wrapf(err, "malformed weight in server line %q", line)
		}
		name := ""
		if len(fields) > 1 {
			name = fields[1]
		}
		out = append(out, ServerConfig{
			Addr:    parts[0] + ":" + parts[1],
			Weight:  weight,
			Name:    name,
			IsSlave: isSlave,
		})
	}
	return out, nil
}
