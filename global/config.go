package global

import (
	"os"
	"strings"
	"time"

	"ChatRelay/tools"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ===== 配置结构 =====

// Config is the full relay configuration. It is loaded from YAML, then
// overridden from CHAT_* environment variables, then normalised.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Conn       ConnConfig       `yaml:"conn"`
	Typing     TypingConfig     `yaml:"typing"`
	Auth       AuthConfig       `yaml:"auth"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit"`
	Store      StoreConfig      `yaml:"store"`
	Presence   PresenceConfig   `yaml:"presence"`
	Membership MembershipConfig `yaml:"membership"`
	Events     EventsConfig     `yaml:"events"`
	Log        LogConfig        `yaml:"log"`
}

type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	GRPCAddr        string        `yaml:"grpc_addr"` // empty disables the health server
	Path            string        `yaml:"path"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	NodeID          int64         `yaml:"node_id"` // 雪花 id 的节点号 0~1023
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type ConnConfig struct {
	SendQueue       int           `yaml:"send_queue"`        // 每连接发送队列长度，满了直接断开
	MaxMessageBytes int64         `yaml:"max_message_bytes"` // 单帧上限
	MaxContentLen   int           `yaml:"max_content_len"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"` // 已授权连接的空闲超时
	AuthTimeout     time.Duration `yaml:"auth_timeout"` // 未授权连接必须在此时间内完成 auth
	WriteWait       time.Duration `yaml:"write_wait"`
	PingPeriod      time.Duration `yaml:"ping_period"` // server side control pings, 0 disables
}

type TypingConfig struct {
	Window time.Duration `yaml:"window"`
	Sweep  time.Duration `yaml:"sweep"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	Issuer    string        `yaml:"issuer"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
	DevLogin  bool          `yaml:"dev_login"`
}

type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"` // 0 disables
	Burst     int     `yaml:"burst"`
}

type StoreConfig struct {
	Driver   string         `yaml:"driver"` // memory | redis | postgres
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type RedisConfig struct {
	Addr         string `yaml:"addr"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	StreamMaxLen int64  `yaml:"stream_max_len"`
}

type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

type PresenceConfig struct {
	Enabled bool          `yaml:"enabled"` // needs store.redis.addr
	TTL     time.Duration `yaml:"ttl"`
}

type MembershipConfig struct {
	Driver   string              `yaml:"driver"` // static | mongo
	Threads  map[string][]string `yaml:"threads"`
	Mongo    MongoConfig         `yaml:"mongo"`
	CacheTTL time.Duration       `yaml:"cache_ttl"`
}

type MongoConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

type EventsConfig struct {
	Driver  string        `yaml:"driver"` // none | nats | kafka | both
	Queue   int           `yaml:"queue"`
	Timeout time.Duration `yaml:"timeout"` // per publish
	Nats    NatsConfig    `yaml:"nats"`
	Kafka   KafkaConfig   `yaml:"kafka"`
}

type NatsConfig struct {
	Servers       []string `yaml:"servers"`
	Name          string   `yaml:"name"`
	SubjectPrefix string   `yaml:"subject_prefix"`
}

type KafkaConfig struct {
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	ClientID string   `yaml:"client_id"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console | json
}

const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"

	MembershipStatic = "static"
	MembershipMongo  = "mongo"

	EventsNone  = "none"
	EventsNats  = "nats"
	EventsKafka = "kafka"
	EventsBoth  = "both"
)

// ===== 加载 =====

// Default returns a configuration usable for local development.
func Default() *Config {
	c := &Config{}
	c.Normalize()
	return c
}

// Load reads path (optional), applies environment overrides and validates.
func Load(path string) (*Config, error) {
	c := &Config{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(raw, c); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}
	c.ApplyEnv()
	c.Normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ApplyEnv overrides fields from CHAT_* variables.
func (c *Config) ApplyEnv() {
	c.Server.HTTPAddr = tools.GetEnv("CHAT_HTTP_ADDR", c.Server.HTTPAddr)
	c.Server.GRPCAddr = tools.GetEnv("CHAT_GRPC_ADDR", c.Server.GRPCAddr)
	c.Server.AllowedOrigins = tools.GetEnvList("CHAT_ALLOWED_ORIGINS", c.Server.AllowedOrigins)
	c.Server.NodeID = int64(tools.GetEnvInt("CHAT_NODE_ID", int(c.Server.NodeID)))

	c.Conn.IdleTimeout = tools.GetEnvDuration("CHAT_IDLE_TIMEOUT", c.Conn.IdleTimeout)
	c.Typing.Window = tools.GetEnvDuration("CHAT_TYPING_WINDOW", c.Typing.Window)

	c.Auth.JWTSecret = tools.GetEnv("CHAT_JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.DevLogin = tools.GetEnvBool("CHAT_DEV_LOGIN", c.Auth.DevLogin)

	c.Store.Driver = tools.GetEnv("CHAT_STORE_DRIVER", c.Store.Driver)
	c.Store.Redis.Addr = tools.GetEnv("CHAT_REDIS_ADDR", c.Store.Redis.Addr)
	c.Store.Redis.Password = tools.GetEnv("CHAT_REDIS_PASSWORD", c.Store.Redis.Password)
	c.Store.Postgres.DSN = tools.GetEnv("CHAT_PG_DSN", c.Store.Postgres.DSN)
	c.Presence.Enabled = tools.GetEnvBool("CHAT_PRESENCE", c.Presence.Enabled)

	c.Membership.Driver = tools.GetEnv("CHAT_MEMBERSHIP_DRIVER", c.Membership.Driver)
	c.Membership.Mongo.URI = tools.GetEnv("CHAT_MONGO_URI", c.Membership.Mongo.URI)

	c.Events.Driver = tools.GetEnv("CHAT_EVENTS_DRIVER", c.Events.Driver)
	c.Events.Nats.Servers = tools.GetEnvList("CHAT_NATS_SERVERS", c.Events.Nats.Servers)
	c.Events.Kafka.Brokers = tools.GetEnvList("CHAT_KAFKA_BROKERS", c.Events.Kafka.Brokers)
	c.Events.Kafka.Topic = tools.GetEnv("CHAT_KAFKA_TOPIC", c.Events.Kafka.Topic)
	c.Events.Queue = tools.GetEnvInt("CHAT_EVENTS_QUEUE", c.Events.Queue)

	c.Log.Level = tools.GetEnv("CHAT_LOG_LEVEL", c.Log.Level)
	c.Log.Format = tools.GetEnv("CHAT_LOG_FORMAT", c.Log.Format)
}

// ===== 默认值 / 校验 =====

// Normalize fills zero values with defaults.
func (c *Config) Normalize() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8080"
	}
	if c.Server.Path == "" {
		c.Server.Path = "/ws"
	}
	if c.Server.NodeID <= 0 {
		c.Server.NodeID = 1
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Conn.SendQueue <= 0 {
		c.Conn.SendQueue = 256
	}
	if c.Conn.MaxMessageBytes <= 0 {
		c.Conn.MaxMessageBytes = 64 << 10
	}
	if c.Conn.MaxContentLen <= 0 {
		c.Conn.MaxContentLen = 4000
	}
	if c.Conn.IdleTimeout <= 0 {
		c.Conn.IdleTimeout = 75 * time.Second
	}
	if c.Conn.AuthTimeout <= 0 {
		c.Conn.AuthTimeout = 10 * time.Second
	}
	if c.Conn.WriteWait <= 0 {
		c.Conn.WriteWait = 10 * time.Second
	}
	if c.Conn.PingPeriod < 0 {
		c.Conn.PingPeriod = 0
	}

	if c.Typing.Window <= 0 {
		c.Typing.Window = 6 * time.Second
	}
	if c.Typing.Sweep <= 0 {
		c.Typing.Sweep = time.Second
	}

	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = 2 * time.Hour
	}

	if c.RateLimit.PerSecond > 0 && c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = int(c.RateLimit.PerSecond * 2)
		if c.RateLimit.Burst < 1 {
			c.RateLimit.Burst = 1
		}
	}

	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == "" {
		c.Store.Driver = StoreMemory
	}
	if c.Store.Redis.StreamMaxLen <= 0 {
		c.Store.Redis.StreamMaxLen = 100000
	}
	if c.Store.Postgres.MaxConns <= 0 {
		c.Store.Postgres.MaxConns = 10
	}
	if c.Presence.TTL <= 0 {
		c.Presence.TTL = 2 * c.Conn.IdleTimeout
	}

	c.Membership.Driver = strings.ToLower(strings.TrimSpace(c.Membership.Driver))
	if c.Membership.Driver == "" {
		c.Membership.Driver = MembershipStatic
	}
	if c.Membership.Mongo.Database == "" {
		c.Membership.Mongo.Database = "chat"
	}
	if c.Membership.Mongo.Collection == "" {
		c.Membership.Mongo.Collection = "thread_members"
	}
	if c.Membership.CacheTTL < 0 {
		c.Membership.CacheTTL = 0
	}

	c.Events.Driver = strings.ToLower(strings.TrimSpace(c.Events.Driver))
	if c.Events.Driver == "" {
		c.Events.Driver = EventsNone
	}
	if c.Events.Queue <= 0 {
		c.Events.Queue = 1024
	}
	if c.Events.Timeout <= 0 {
		c.Events.Timeout = 2 * time.Second
	}
	if c.Events.Nats.Name == "" {
		c.Events.Nats.Name = "chatrelay"
	}
	if c.Events.Nats.SubjectPrefix == "" {
		c.Events.Nats.SubjectPrefix = "chat.events"
	}
	if c.Events.Kafka.Topic == "" {
		c.Events.Kafka.Topic = "chat-events"
	}
	if c.Events.Kafka.ClientID == "" {
		c.Events.Kafka.ClientID = "chatrelay"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

// Validate rejects configurations the relay cannot run with.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" && !c.Auth.DevLogin {
		return errors.New("auth.jwt_secret is required unless auth.dev_login is set")
	}
	if c.Conn.PingPeriod > 0 && c.Conn.PingPeriod >= c.Conn.IdleTimeout {
		return errors.Errorf("conn.ping_period %v must be shorter than conn.idle_timeout %v", c.Conn.PingPeriod, c.Conn.IdleTimeout)
	}
	switch c.Store.Driver {
	case StoreMemory:
	case StoreRedis:
		if c.Store.Redis.Addr == "" {
			return errors.New("store.redis.addr is required for the redis store")
		}
	case StorePostgres:
		if c.Store.Postgres.DSN == "" {
			return errors.New("store.postgres.dsn is required for the postgres store")
		}
	default:
		return errors.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Presence.Enabled && c.Store.Redis.Addr == "" {
		return errors.New("presence needs store.redis.addr")
	}
	switch c.Membership.Driver {
	case MembershipStatic:
	case MembershipMongo:
		if c.Membership.Mongo.URI == "" {
			return errors.New("membership.mongo.uri is required for the mongo oracle")
		}
	default:
		return errors.Errorf("unknown membership driver %q", c.Membership.Driver)
	}
	switch c.Events.Driver {
	case EventsNone:
	case EventsNats:
		if len(c.Events.Nats.Servers) == 0 {
			return errors.New("events.nats.servers is required for the nats sink")
		}
	case EventsKafka:
		if len(c.Events.Kafka.Brokers) == 0 {
			return errors.New("events.kafka.brokers is required for the kafka sink")
		}
	case EventsBoth:
		if len(c.Events.Nats.Servers) == 0 || len(c.Events.Kafka.Brokers) == 0 {
			return errors.New("events driver both needs events.nats.servers and events.kafka.brokers")
		}
	default:
		return errors.Errorf("unknown events driver %q", c.Events.Driver)
	}
	return nil
}

// DevSecret is used to sign tokens when dev login runs without a configured secret.
const DevSecret = "chatrelay-dev-secret"

// Secret returns the signing key for session tokens.
func (c *Config) Secret() []byte {
	if c.Auth.JWTSecret == "" {
		return []byte(DevSecret)
	}
	return []byte(c.Auth.JWTSecret)
}
