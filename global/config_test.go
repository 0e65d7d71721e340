package global

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	raw := `
server:
  http_addr: ":9000"
  allowed_origins: ["https://shop.example"]
conn:
  idle_timeout: 90s
typing:
  window: 8s
auth:
  jwt_secret: from-file
membership:
  driver: static
  threads:
    t1: [alice, bob]
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CHAT_JWT_SECRET", "from-env")

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Server.HTTPAddr != ":9000" {
		t.Fatalf("http addr = %q", c.Server.HTTPAddr)
	}
	if c.Conn.IdleTimeout != 90*time.Second || c.Typing.Window != 8*time.Second {
		t.Fatalf("durations = %v %v", c.Conn.IdleTimeout, c.Typing.Window)
	}
	if string(c.Secret()) != "from-env" {
		t.Fatalf("secret = %q", c.Secret())
	}
	if got := c.Membership.Threads["t1"]; len(got) != 2 || got[0] != "alice" {
		t.Fatalf("threads = %v", c.Membership.Threads)
	}
	if c.Conn.SendQueue != 256 || c.Store.Driver != StoreMemory || c.Events.Driver != EventsNone {
		t.Fatalf("defaults not applied: %+v", c)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(c *Config)
		ok     bool
	}{
		{"defaults with secret", func(c *Config) {}, true},
		{"no secret", func(c *Config) { c.Auth.JWTSecret = "" }, false},
		{"no secret dev login", func(c *Config) { c.Auth.JWTSecret = ""; c.Auth.DevLogin = true }, true},
		{"ping exceeds idle", func(c *Config) { c.Conn.PingPeriod = c.Conn.IdleTimeout }, false},
		{"redis without addr", func(c *Config) { c.Store.Driver = StoreRedis }, false},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = StorePostgres }, false},
		{"unknown store", func(c *Config) { c.Store.Driver = "sqlite" }, false},
		{"presence without redis", func(c *Config) { c.Presence.Enabled = true }, false},
		{"mongo without uri", func(c *Config) { c.Membership.Driver = MembershipMongo }, false},
		{"nats without servers", func(c *Config) { c.Events.Driver = EventsNats }, false},
		{"kafka with brokers", func(c *Config) {
			c.Events.Driver = EventsKafka
			c.Events.Kafka.Brokers = []string{"localhost:9092"}
		}, true},
		{"both without nats", func(c *Config) {
			c.Events.Driver = EventsBoth
			c.Events.Kafka.Brokers = []string{"localhost:9092"}
		}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			c.Auth.JWTSecret = "s"
			tc.mutate(c)
			err := c.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestDefaultIdleExceedsClientPing(t *testing.T) {
	c := Default()
	if c.Conn.IdleTimeout < 2*30*time.Second {
		t.Fatalf("idle timeout %v leaves no margin over a 30s ping", c.Conn.IdleTimeout)
	}
}
