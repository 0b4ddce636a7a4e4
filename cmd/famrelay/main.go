// famrelay — signaling relay for famcall.
//
// Every frame a client sends is broadcast to every other connected client.
// Several relays can share one redis so clients on different instances
// still reach each other. The relay also hands out ICE servers at /api/ice.
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
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pterm/pterm"

	"github.com/1ureka/famcall/internal/auth"
	"github.com/1ureka/famcall/internal/bus"
	"github.com/1ureka/famcall/internal/config"
	"github.com/1ureka/famcall/internal/ice"
	"github.com/1ureka/famcall/internal/relay"
	"github.com/1ureka/famcall/internal/util"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	flags := config.RelayFlags(flag.CommandLine)
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
	if err := cfg.ValidateRelay(); err != nil {
		util.LogError("invalid configuration:\n%v", err)
		os.Exit(1)
	}

	var signer *auth.Signer
	if cfg.Secret != "" {
		if signer, err = auth.NewSigner(cfg.Secret, cfg.TokenTTL); err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
	}

	if flags.Issue != "" {
		if err := issue(signer, flags.Issue); err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		return
	}

	pterm.Info.Println(fmt.Sprintf("famrelay — v%s", version))
	pterm.Println()

	if err := serve(ctx, cfg, signer); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("relay stopped")
}

// serve runs the relay until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, signer *auth.Signer) error {
	var bridge bus.Bus
	if cfg.Redis.Addr != "" {
		rdb, err := bus.OpenRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		r, err := bus.NewRedis(ctx, rdb, cfg.RedisPrefix)
		if err != nil {
			return err
		}
		defer r.Close()
		bridge = r
		util.LogInfo("Bridging relays through redis %s", cfg.Redis.Addr)
	}

	xirsys := cfg.Xirsys
	xirsys.ApplyEnv()
	var upstream ice.Source
	if xirsys.Configured() {
		upstream = &xirsys
		util.LogInfo("Serving TURN credentials from xirsys channel %s", xirsys.Channel)
	} else {
		util.LogWarning("No TURN upstream configured, /api/ice serves %s only", cfg.ICEFallback)
	}

	if signer == nil {
		util.LogWarning("No [relay] secret set, clients are not authenticated")
	}

	hub := relay.NewHub(bridge)
	defer hub.Close()

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr: cfg.RelayListen,
		Handler: relay.NewServer(hub, relay.Options{
			Signer:       signer,
			ICE:          upstream,
			FallbackSTUN: cfg.ICEFallback,
		}).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	util.StartStatsReporter(ctx)
	util.LogSuccess("Relay listening on %s", cfg.RelayListen)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("relay server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// issue prints a token for "<id>[:<name>]".
func issue(signer *auth.Signer, who string) error {
	if signer == nil {
		return errors.New("-issue needs a [relay] secret")
	}
	id, name, _ := strings.Cut(who, ":")
	if name == "" {
		name = id
	}
	tok, err := signer.Issue(time.Now(), id, name)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}
