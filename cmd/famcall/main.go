// famcall — family calling client.
//
// Connects to the signaling relay (or a redis bus), then places and answers
// WebRTC audio/video calls from a small command prompt. Settings come from
// famcall.ini; flags override the file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pterm/pterm"

	"github.com/1ureka/famcall/internal/bus"
	"github.com/1ureka/famcall/internal/call"
	"github.com/1ureka/famcall/internal/config"
	"github.com/1ureka/famcall/internal/ice"
	"github.com/1ureka/famcall/internal/media"
	"github.com/1ureka/famcall/internal/notify"
	"github.com/1ureka/famcall/internal/ring"
	"github.com/1ureka/famcall/internal/signaling"
	"github.com/1ureka/famcall/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	flags := config.ClientFlags(flag.CommandLine)
	flag.Parse()

	cfg, err := config.Load(flags.Path, !flags.Explicit())
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	flags.Apply(cfg)

	if cfg.Debug {
		util.EnableDebug()
	}
	if cfg.LogFile != "" {
		defer util.LogToFile(cfg.LogFile).Close()
	}

	pterm.Info.Println(fmt.Sprintf("famcall — v%s", version))
	pterm.Println()

	askMissing(cfg)
	if err := cfg.ValidateClient(); err != nil {
		util.LogError("invalid configuration:\n%v", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg, flags.Call); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("bye")
}

// run wires the client together and blocks until ctx is cancelled or the
// user quits.
func run(ctx context.Context, cfg *config.Config, dial string) error {
	// Wakes that arrive while the bus is still connecting are queued.
	wakes := notify.NewAdapter(cfg.UserID, nil, nil)
	if cfg.WakeListen != "" {
		srv := serveWake(cfg.WakeListen, wakes)
		defer shutdown(srv)
	}

	b, err := openBus(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	ch := signaling.NewChannel(cfg.UserID, b, func(e *signaling.DeliveryError) {
		pterm.Warning.Printfln("Could not deliver %s for call %s", e.Kind, e.CallID)
	})

	newPeer, err := media.NewPeerFactory()
	if err != nil {
		return fmt.Errorf("failed to set up webrtc: %w", err)
	}
	capturer, err := openCapturer(cfg)
	if err != nil {
		return err
	}

	var src ice.Source
	if endpoint := cfg.ICEEndpoint(); endpoint != "" {
		src = &ice.HTTPSource{URL: endpoint, Token: cfg.RelayToken}
	}

	con := newConsole(cfg)
	ctrl := call.New(call.Config{
		Self:     cfg.UserID,
		SelfName: cfg.UserName,
		Signaler: ch,
		NewMedia: func(ev media.Events) call.Media {
			return media.NewManager(capturer, newPeer, ev)
		},
		ICE:         ice.NewProvider(src, cfg.ICEFallback),
		Ringer:      ring.New(ring.Options{Tone: ringTone(cfg), Pause: cfg.RingPause}),
		Observer:    con,
		RingTimeout: cfg.RingTimeout,
	})
	con.ctrl = ctrl

	ch.Listen(ctrl.HandleSignal)

	// The bus is connected and subscribed: replay what queued meanwhile.
	wakes.Attach(ctrl, ch)
	wakes.SetReady()

	util.LogSuccess("Signed in as %s (%s) over %s", cfg.UserID, cfg.UserName, cfg.Bus)

	if dial != "" {
		con.place(dial, callKind(cfg.Video))
	}
	con.run(ctx)

	ctrl.Close()

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ch.Close(closeCtx); err != nil {
		util.LogWarning("pending signals were not flushed: %v", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Wiring helpers
// ---------------------------------------------------------------------------

// openBus connects the configured signaling bus.
func openBus(ctx context.Context, cfg *config.Config) (bus.Bus, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	switch cfg.Bus {
	case config.BusRedis:
		rdb, err := bus.OpenRedis(dialCtx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return bus.NewRedis(ctx, rdb, cfg.RedisPrefix)

	case config.BusREST:
		wsURL, err := cfg.WSURL()
		if err != nil {
			return nil, err
		}
		inner, err := bus.DialWS(dialCtx, wsURL, cfg.RelayToken)
		if err != nil {
			return nil, err
		}
		return bus.NewREST(cfg.RelayURL, cfg.RelayToken, inner), nil

	default:
		wsURL, err := cfg.WSURL()
		if err != nil {
			return nil, err
		}
		return bus.DialWS(dialCtx, wsURL, cfg.RelayToken)
	}
}

// openCapturer picks device capture unless [media] synthetic is set.
func openCapturer(cfg *config.Config) (media.Capturer, error) {
	if cfg.Synthetic {
		util.LogInfo("Sending synthetic media")
		return &media.SyntheticCapturer{Camera: true}, nil
	}
	capturer, err := media.DefaultCapturer()
	if err != nil {
		return nil, fmt.Errorf("failed to set up capture: %w", err)
	}
	return capturer, nil
}

// ringTone builds the ring tone player from [ring] tone and player.
func ringTone(cfg *config.Config) ring.Player {
	if cfg.RingTone == "" {
		return nil
	}
	if cmd := strings.Fields(cfg.RingPlayer); len(cmd) > 0 {
		return &ring.FileTone{Path: cfg.RingTone, Command: cmd}
	}
	return ring.NewFileTone(cfg.RingTone)
}

// serveWake exposes POST /wake for push-style wake deliveries.
func serveWake(addr string, wakes *notify.Adapter) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	wakes.Register(r)

	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("wake listener stopped: %v", err)
		}
	}()
	util.LogInfo("Wake endpoint listening on %s", addr)
	return srv
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}

func callKind(video bool) signaling.CallKind {
	if video {
		return signaling.CallVideo
	}
	return signaling.CallAudio
}

// askMissing prompts for settings that have no file or flag value.
func askMissing(cfg *config.Config) {
	if cfg.UserID == "" {
		cfg.UserID = askText("Your user id")
		if cfg.UserName == "" {
			cfg.UserName = cfg.UserID
		}
	}
	if cfg.Bus != config.BusRedis && cfg.RelayURL == "" {
		cfg.RelayURL = askText("Relay URL (e.g. http://relay.local:8080)")
	}
}

// askText prompts until a non-empty value is entered.
func askText(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		if v := strings.TrimSpace(raw); v != "" {
			pterm.Println()
			return v
		}
		util.LogWarning("a value is required")
		pterm.Println()
	}
}
