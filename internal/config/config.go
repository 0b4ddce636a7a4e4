// Package config loads famcall and famrelay settings from an ini file and
// applies command line overrides on top.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	ini "gopkg.in/ini.v1"

	"github.com/1ureka/famcall/internal/bus"
	"github.com/1ureka/famcall/internal/call"
	"github.com/1ureka/famcall/internal/ice"
)

// DefaultPath is the config file looked up when -config is not given.
const DefaultPath = "famcall.ini"

// BusKind selects how signaling messages travel between clients.
type BusKind string

const (
	BusWS    BusKind = "ws"    // websocket to the relay
	BusRedis BusKind = "redis" // redis pub/sub
	BusREST  BusKind = "rest"  // POST to the relay, receive over websocket
)

// Valid reports whether k is a known bus kind.
func (k BusKind) Valid() bool {
	return k == BusWS || k == BusRedis || k == BusREST
}

// Config is the merged file and flag configuration.
type Config struct {
	UserID   string
	UserName string

	RelayURL    string // http(s) base of the relay, e.g. http://relay.local:8080
	RelayToken  string // client token presented to the relay
	RelayListen string
	Secret      string // relay HS256 secret, empty disables auth
	TokenTTL    time.Duration

	Bus         BusKind
	Redis       bus.RedisConfig
	RedisPrefix string

	ICEURL      string // client ICE endpoint, defaults to <relay>/api/ice
	ICEFallback string
	Xirsys      ice.Xirsys

	RingTimeout time.Duration
	Video       bool
	Synthetic   bool // send generated media instead of opening devices

	RingTone   string
	RingPlayer string
	RingPause  time.Duration

	WakeListen string

	Debug   bool
	LogFile string
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		RelayListen: ":8080",
		TokenTTL:    30 * 24 * time.Hour,
		Bus:         BusWS,
		RedisPrefix: bus.DefaultRedisPrefix,
		ICEFallback: ice.DefaultFallbackURL,
		RingTimeout: call.DefaultRingTimeout,
		RingPause:   time.Second,
	}
}

// Load reads the ini file at path. A missing file yields the defaults when
// optional is set.
func Load(path string, optional bool) (*Config, error) {
	opts := ini.LoadOptions{Loose: optional, Insensitive: true}
	f, err := ini.LoadSources(opts, path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return fromFile(f), nil
}

// Parse reads ini content from memory.
func Parse(data []byte) (*Config, error) {
	f, err := ini.LoadSources(ini.LoadOptions{Insensitive: true}, data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return fromFile(f), nil
}

func fromFile(f *ini.File) *Config {
	c := Default()

	sec := f.Section("user")
	c.UserID = sec.Key("id").String()
	c.UserName = sec.Key("name").MustString(c.UserID)

	sec = f.Section("relay")
	c.RelayURL = sec.Key("url").String()
	c.RelayToken = sec.Key("token").String()
	c.RelayListen = sec.Key("listen").MustString(c.RelayListen)
	c.Secret = sec.Key("secret").String()
	c.TokenTTL = sec.Key("token_ttl").MustDuration(c.TokenTTL)

	sec = f.Section("bus")
	c.Bus = BusKind(sec.Key("kind").In(string(c.Bus), []string{string(BusWS), string(BusRedis), string(BusREST)}))

	sec = f.Section("redis")
	c.Redis.Addr = sec.Key("addr").String()
	c.Redis.Password = sec.Key("password").String()
	c.Redis.DB = sec.Key("db").MustInt(0)
	c.RedisPrefix = sec.Key("prefix").MustString(c.RedisPrefix)

	sec = f.Section("ice")
	c.ICEURL = sec.Key("url").String()
	c.ICEFallback = sec.Key("fallback").MustString(c.ICEFallback)

	sec = f.Section("xirsys")
	c.Xirsys.Region = sec.Key("region").String()
	c.Xirsys.Channel = sec.Key("channel").String()
	c.Xirsys.Username = sec.Key("username").String()
	c.Xirsys.Secret = sec.Key("secret").String()
	c.Xirsys.Bearer = sec.Key("bearer").String()

	sec = f.Section("call")
	c.RingTimeout = sec.Key("ring_timeout").MustDuration(c.RingTimeout)
	c.Video = sec.Key("video").MustBool(false)
	c.WakeListen = sec.Key("wake_listen").String()

	sec = f.Section("media")
	c.Synthetic = sec.Key("synthetic").MustBool(false)

	sec = f.Section("ring")
	c.RingTone = sec.Key("tone").String()
	c.RingPlayer = sec.Key("player").String()
	c.RingPause = sec.Key("pause").MustDuration(c.RingPause)

	sec = f.Section("log")
	c.Debug = sec.Key("debug").MustBool(false)
	c.LogFile = sec.Key("file").String()

	return c
}

// ICEEndpoint returns the client ICE endpoint, falling back to the relay's
// /api/ice when none is configured.
func (c *Config) ICEEndpoint() string {
	if c.ICEURL != "" || c.RelayURL == "" {
		return c.ICEURL
	}
	return c.RelayURL + "/api/ice"
}

// WSURL returns the relay websocket URL derived from RelayURL.
func (c *Config) WSURL() (string, error) {
	u, err := url.Parse(c.RelayURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid relay URL: %s", c.RelayURL)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	return u.String(), nil
}

// ValidateClient reports every problem with a client configuration at once.
func (c *Config) ValidateClient() error {
	var errs []error
	if c.UserID == "" {
		errs = append(errs, errors.New("[user] id is required"))
	}
	if !c.Bus.Valid() {
		errs = append(errs, fmt.Errorf("[bus] kind must be ws, redis or rest, got %q", c.Bus))
	}
	switch c.Bus {
	case BusWS, BusREST:
		if _, err := c.WSURL(); err != nil {
			errs = append(errs, fmt.Errorf("[relay] url: %w", err))
		}
	case BusRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("[redis] addr is required for the redis bus"))
		}
	}
	if c.RingTimeout <= 0 {
		errs = append(errs, fmt.Errorf("[call] ring_timeout must be positive, got %v", c.RingTimeout))
	}
	return errors.Join(errs...)
}

// ValidateRelay reports every problem with a relay configuration at once.
func (c *Config) ValidateRelay() error {
	var errs []error
	if c.RelayListen == "" {
		errs = append(errs, errors.New("[relay] listen is required"))
	}
	if c.Secret != "" && c.TokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("[relay] token_ttl must be positive, got %v", c.TokenTTL))
	}
	return errors.Join(errs...)
}
