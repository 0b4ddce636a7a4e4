package config

import (
	"flag"
	"time"
)

// Flags holds command line values. Only flags given explicitly override the
// file, so an unset flag never clobbers a configured value.
type Flags struct {
	fs *flag.FlagSet

	Path string

	user, name, relay, token, busKind, redis, ice, wake, listen, secret, logFile string
	debug, video, synthetic                                                      bool
	ringTimeout                                                                  time.Duration

	// Client only.
	Call string
	// Relay only: print a token for "<id>[:<name>]" and exit.
	Issue string
}

// ClientFlags registers the famcall flags on fs.
func ClientFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	fs.StringVar(&f.Path, "config", DefaultPath, "Path to the ini config file")
	fs.StringVar(&f.user, "user", "", "Your user id")
	fs.StringVar(&f.name, "name", "", "Display name shown to the callee")
	fs.StringVar(&f.relay, "relay", "", "Relay base URL, e.g. http://relay.local:8080")
	fs.StringVar(&f.token, "token", "", "Relay access token")
	fs.StringVar(&f.busKind, "bus", "", "Signaling bus: ws, redis or rest")
	fs.StringVar(&f.redis, "redis", "", "Redis address for the redis bus")
	fs.StringVar(&f.ice, "ice", "", "ICE server endpoint (defaults to <relay>/api/ice)")
	fs.StringVar(&f.wake, "wake-listen", "", "Listen address for the POST /wake endpoint")
	fs.StringVar(&f.logFile, "log", "", "Also write logs to this file")
	fs.DurationVar(&f.ringTimeout, "ring-timeout", 0, "Unanswered call timeout")
	fs.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	fs.BoolVar(&f.video, "video", false, "Place video calls instead of audio")
	fs.BoolVar(&f.synthetic, "synthetic", false, "Send generated media instead of opening the microphone and camera")
	fs.StringVar(&f.Call, "call", "", "Call this user id right away")
	return f
}

// RelayFlags registers the famrelay flags on fs.
func RelayFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	fs.StringVar(&f.Path, "config", DefaultPath, "Path to the ini config file")
	fs.StringVar(&f.listen, "listen", "", "HTTP listen address")
	fs.StringVar(&f.secret, "secret", "", "HS256 secret for client tokens (empty disables auth)")
	fs.StringVar(&f.redis, "redis", "", "Redis address used to bridge relay instances")
	fs.StringVar(&f.logFile, "log", "", "Also write logs to this file")
	fs.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	fs.StringVar(&f.Issue, "issue", "", "Print a token for <id>[:<name>] and exit")
	return f
}

// Explicit reports whether the -config flag was given on the command line.
func (f *Flags) Explicit() bool {
	found := false
	f.fs.Visit(func(fl *flag.Flag) {
		if fl.Name == "config" {
			found = true
		}
	})
	return found
}

// Apply copies every explicitly set flag onto c.
func (f *Flags) Apply(c *Config) {
	f.fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "user":
			c.UserID = f.user
			if c.UserName == "" {
				c.UserName = f.user
			}
		case "name":
			c.UserName = f.name
		case "relay":
			c.RelayURL = f.relay
		case "token":
			c.RelayToken = f.token
		case "bus":
			c.Bus = BusKind(f.busKind)
		case "redis":
			c.Redis.Addr = f.redis
		case "ice":
			c.ICEURL = f.ice
		case "wake-listen":
			c.WakeListen = f.wake
		case "listen":
			c.RelayListen = f.listen
		case "secret":
			c.Secret = f.secret
		case "log":
			c.LogFile = f.logFile
		case "ring-timeout":
			c.RingTimeout = f.ringTimeout
		case "debug":
			c.Debug = f.debug
		case "video":
			c.Video = f.video
		case "synthetic":
			c.Synthetic = f.synthetic
		}
	})
}
