package config

import "fmt"

// ServerConfig controls the operator-facing HTTP status endpoint (the
// websocket listener-status hub), not a data-plane listener.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

func (s *ServerConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig configures the reference SQLite-backed ConnectionSink
// and rule/access-rule store.
type DatabaseConfig struct {
	Path            string `mapstructure:"path"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
}

type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// RedisConfig configures the buffered MetricsSink adapter.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (r *RedisConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// EngineConfig tunes the forwarding engine's worker-pool sizes: one
// small TCP-accept group (1 thread default), one TCP I/O group (4),
// one UDP group (4).
type EngineConfig struct {
	TCPAcceptWorkers int `mapstructure:"tcp_accept_workers"`
	TCPIOWorkers     int `mapstructure:"tcp_io_workers"`
	UDPWorkers       int `mapstructure:"udp_workers"`
}

// RelayConfig holds the "relay" config section: idle timeouts, buffer
// caps, sweep periods and a per-rule TCP connection cap. The relay
// services do not read it; their timeouts, buffer cap and sweep periods
// are package constants, and no per-rule connection cap is enforced.
type RelayConfig struct {
	ClientIdleTimeoutSeconds   int `mapstructure:"client_idle_timeout_seconds"`
	ClientBufferCapBytes       int `mapstructure:"client_buffer_cap_bytes"`
	UpstreamDialTimeoutSeconds int `mapstructure:"upstream_dial_timeout_seconds"`
	UDPSessionIdleSeconds      int `mapstructure:"udp_session_idle_seconds"`
	UDPSweepIntervalSeconds    int `mapstructure:"udp_sweep_interval_seconds"`
	BroadcastHeartbeatTimeoutSeconds int `mapstructure:"broadcast_heartbeat_timeout_seconds"`
	BroadcastSweepIntervalSeconds    int `mapstructure:"broadcast_sweep_interval_seconds"`
	MaxTCPConnsPerRule               int `mapstructure:"max_tcp_conns_per_rule"`
}
