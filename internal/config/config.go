package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/utils"
)

const DefaultPath = "config.json"

// DefaultMaxPacketSize bounds the remaining length of one control packet.
const DefaultMaxPacketSize = 1 << 20

func Ptr[T any](v T) *T {
	return &v
}

// Value dereferences an optional limit, nil reads as 0.
func Value[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

type Database struct {
	Host               string `json:"host"`
	Port               uint64 `json:"port"`
	Username           string `json:"username"`
	Password           string `json:"password"`
	Database           string `json:"database"`
	UseTLS             bool   `json:"use_tls"`
	ConnectTimeout     string `json:"connect_timeout"`
	SocketTimeout      string `json:"socket_timeout"`
	ConnectIdleTimeout string `json:"connect_idle_timeout"`
	OperationTimeout   string `json:"operation_timeout"`
	Heartbeat          string `json:"heartbeat"`
	MinPoolSize        uint64 `json:"min_pool_size"`
	MaxPoolSize        uint64 `json:"max_pool_size"`
	CacheSize          int    `json:"cache_size"`
	CacheTTL           string `json:"cache_ttl"`
}

type Listeners struct {
	TCP            string `json:"tcp"`
	WebSocket      string `json:"websocket"`
	WebSocketPath  string `json:"websocket_path"`
	MaxConnections *int   `json:"max_connections"`
	AcceptRate     int    `json:"accept_rate"`
}

type Broker struct {
	ConnectTimeout         string `json:"connect_timeout"`
	TimeoutDisconnectDelay string `json:"timeout_disconnect_delay"`
	RetryInterval          string `json:"retry_interval"`
	MaxRetries             int    `json:"max_retries"`
	SessionExpiry          string `json:"session_expiry"`
	ExpirySweep            string `json:"expiry_sweep"`
	MaxQueuedMessages      *int   `json:"max_queued_messages"`
	MaxRetained            int    `json:"max_retained"`
	MaxQoS                 *byte  `json:"max_qos"`
	MaxPacketSize          int    `json:"max_packet_size"`
	SysInterval            string `json:"sys_interval"`
	PublishWillOnShutdown  bool   `json:"publish_will_on_shutdown"`
	ReauthorizeDelivery    bool   `json:"reauthorize_delivery"`
	EventWorkers           int    `json:"event_workers"`
}

type Auth struct {
	AllowAnonymous bool   `json:"allow_anonymous"`
	PasswordFile   string `json:"password_file"`
}

type TopicCheck struct {
	Enabled    bool                `json:"enabled"`
	ACL        map[string][]string `json:"acl"`
	PublishACL map[string][]string `json:"publish_acl"`
	Taboo      []string            `json:"taboo"`
	TabooAdmin string              `json:"taboo_admin"`
}

type Config struct {
	Database    Database   `json:"database"`
	Persistence string     `json:"persistence"`
	Listeners   Listeners  `json:"listeners"`
	Broker      Broker     `json:"broker"`
	Auth        Auth       `json:"auth"`
	TopicCheck  TopicCheck `json:"topic_check"`
	DebugMode   bool       `json:"debug_mode"`
	AppName     string     `json:"app_name"`
}

var ErrConfigCreated = errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")

// Default returns a configuration with every default applied.
func Default() Config {
	c := Config{
		Auth: Auth{AllowAnonymous: true},
	}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills every unset value with its default. Limits where 0 is meaningful
// are pointers so that an explicit 0 survives.
func (c *Config) ApplyDefaults() {
	if c.AppName == "" {
		c.AppName = "life-stream-mqtt"
	}
	if c.Persistence == "" {
		c.Persistence = "none"
	}
	if c.Listeners.TCP == "" {
		c.Listeners.TCP = ":1883"
	}
	if c.Listeners.WebSocketPath == "" {
		c.Listeners.WebSocketPath = "/mqtt"
	}
	if c.Listeners.MaxConnections == nil {
		c.Listeners.MaxConnections = Ptr(10000)
	}
	b := &c.Broker
	if b.ConnectTimeout == "" {
		b.ConnectTimeout = "1m"
	}
	if b.TimeoutDisconnectDelay == "" {
		b.TimeoutDisconnectDelay = "0s"
	}
	if b.RetryInterval == "" {
		b.RetryInterval = "20s"
	}
	if b.SessionExpiry == "" {
		b.SessionExpiry = "1d"
	}
	if b.ExpirySweep == "" {
		b.ExpirySweep = "1m"
	}
	if b.MaxQueuedMessages == nil {
		b.MaxQueuedMessages = Ptr(1000)
	}
	if b.MaxQoS == nil || *b.MaxQoS > 2 {
		b.MaxQoS = Ptr[byte](2)
	}
	if b.MaxPacketSize == 0 {
		b.MaxPacketSize = DefaultMaxPacketSize
	}
	if b.SysInterval == "" {
		b.SysInterval = "10s"
	}
	if b.EventWorkers == 0 {
		b.EventWorkers = 64
	}
	d := &c.Database
	if d.OperationTimeout == "" {
		d.OperationTimeout = "5s"
	}
	if d.ConnectTimeout == "" {
		d.ConnectTimeout = "10s"
	}
	if d.CacheSize == 0 {
		d.CacheSize = 256
	}
	if d.CacheTTL == "" {
		d.CacheTTL = "1h"
	}
}

// Validate checks that every duration string parses.
func (c *Config) Validate() error {
	durations := map[string]string{
		"broker.connect_timeout":          c.Broker.ConnectTimeout,
		"broker.timeout_disconnect_delay": c.Broker.TimeoutDisconnectDelay,
		"broker.retry_interval":           c.Broker.RetryInterval,
		"broker.session_expiry":           c.Broker.SessionExpiry,
		"broker.expiry_sweep":             c.Broker.ExpirySweep,
		"broker.sys_interval":             c.Broker.SysInterval,
		"database.operation_timeout":      c.Database.OperationTimeout,
		"database.connect_timeout":        c.Database.ConnectTimeout,
		"database.socket_timeout":         c.Database.SocketTimeout,
		"database.connect_idle_timeout":   c.Database.ConnectIdleTimeout,
		"database.heartbeat":              c.Database.Heartbeat,
		"database.cache_ttl":              c.Database.CacheTTL,
	}
	for key, value := range durations {
		if _, err := utils.ParseStringTime(value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	switch c.Persistence {
	case "none", "memory", "mongo":
	default:
		return fmt.Errorf("persistence: unknown backend %q", c.Persistence)
	}
	return nil
}

// Duration parses a validated duration field.
func Duration(value string) time.Duration {
	return utils.MustParseStringTime(value, 0)
}

// ReadConfig reads the JSON configuration at path. A missing file is created with defaults.
func ReadConfig(path string) (Config, error) {
	if path == "" {
		path = DefaultPath
	}
	bytes, err := os.ReadFile(path)

	if err != nil {
		config := Default()
		data, _ := json.MarshalIndent(config, "", "\t")
		_ = os.WriteFile(path, data, 0644)
		return config, ErrConfigCreated
	}

	config := Config{Auth: Auth{AllowAnonymous: true}}
	if err = json.Unmarshal(bytes, &config); err != nil {
		return config, fmt.Errorf("the configuration file does not contain valid JSON: %w", err)
	}

	config.ApplyDefaults()
	if err = config.Validate(); err != nil {
		return config, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}
