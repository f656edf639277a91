package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"meshcall/native/internal/api"
	"meshcall/native/internal/call"
	"meshcall/native/internal/config"
	"meshcall/native/internal/domain"
	sigclient "meshcall/native/internal/signal"
	"meshcall/native/internal/webrtc"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const helpText = `meshcall - End-to-end encrypted multi-party audio calls over WebRTC

Usage:
  meshcall [options]

Without --call, meshcall waits for incoming calls. Media flows through
TURN relays only.

Environment Variables (required):
  MESHCALL_TOKEN       Account access token
  MESHCALL_IDENTITY    Our identity on the secure channel
  MESHCALL_SIGNAL_URL  Relay websocket URL
  MESHCALL_API_URL     Account API base URL (TURN credentials)

Environment Variables (optional):
  MESHCALL_CONFIG      YAML tunables file, overridden by --config

Examples:
  # Call two people
  meshcall --call bob --call "carol=Carol C."

  # Answer incoming calls, exporting metrics
  meshcall --auto-answer --metrics-addr :9090

Options:
`

func main() {
	var (
		invitees    = pflag.StringArray("call", nil, "call an identity, as id or id=Name (repeatable)")
		contacts    = pflag.StringSlice("contact", nil, "identities reachable directly over the secure channel")
		configPath  = pflag.String("config", "", "YAML tunables file")
		logLevel    = pflag.String("log-level", "info", "log level (debug, info, warn, error)")
		metricsAddr = pflag.String("metrics-addr", "", "serve Prometheus metrics on this address")
		autoAnswer  = pflag.Bool("auto-answer", true, "accept incoming calls without prompting")
		muted       = pflag.Bool("mute", false, "start with the microphone muted")
	)
	pflag.Usage = func() {
		fmt.Fprint(os.Stderr, helpText)
		pflag.PrintDefaults()
	}
	pflag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --log-level: %v\n", err)
		os.Exit(2)
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}).
		Level(level).
		With().Timestamp().Logger()
	log := logger.With().Str("component", "main").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *configPath == "" {
		*configPath = os.Getenv("MESHCALL_CONFIG")
	}
	tun, err := config.LoadTunables(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load tunables")
	}
	if *metricsAddr != "" {
		tun.MetricsAddr = *metricsAddr
	}
	known := make(map[domain.PeerID]bool)
	for _, id := range append(tun.Contacts, *contacts...) {
		known[domain.PeerID(id)] = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Stringer("signal", sig).Msg("shutting down")
		cancel()
	}()

	// Step 1: Metrics endpoint
	if tun.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: tun.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server")
			}
		}()
		defer srv.Close()
		log.Info().Str("addr", tun.MetricsAddr).Msg("serving metrics")
	}

	// Step 2: TURN credential source
	apiClient := api.NewClient(cfg.APIURL, cfg.Token, cfg.Identity, nil)

	// Step 3: Engine factory
	factory, err := webrtc.NewFactory(webrtc.Options{Logger: logger})
	if err != nil {
		log.Fatal().Err(err).Msg("create engine factory")
	}
	defer factory.Close()

	// Step 4: Phone routes signaling to the active call
	ph := newPhone(call.Config{
		OwnID:           cfg.Identity,
		Turn:            apiClient,
		Factory:         factory,
		IsKnown:         func(id domain.PeerID) bool { return known[id] },
		GatheringPolicy: tun.Policy(),
		Participant:     tun.ParticipantSettings(),
		RingingTimeout:  tun.RingingTimeout,
		Logger:          logger,
	}, *autoAnswer, *muted)

	// Step 5: Secure channel, with the phone as handler
	sc := sigclient.NewClient(sigclient.Options{
		URL:          cfg.SignalURL,
		Token:        cfg.Token,
		Identity:     cfg.Identity,
		PingInterval: tun.SignalPingInterval,
		Logger:       logger,
	}, ph.OnSignal)
	ph.base.Channel = sc

	// Step 6: Connect signaling (AUTH)
	if err := sc.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("signal connect")
	}
	defer sc.Close()

	// Step 7: Place the outgoing call, if asked
	var done <-chan struct{}
	if len(*invitees) > 0 {
		list := make([]call.Invitee, 0, len(*invitees))
		for _, s := range *invitees {
			list = append(list, parseInvitee(s))
		}
		c, err := ph.Dial(ctx, list)
		if err != nil {
			log.Fatal().Err(err).Msg("place call")
		}
		log.Info().Str("call", c.ID()).Int("invitees", len(list)).Msg("calling")
		done = c.Done()
	}

	select {
	case <-ctx.Done():
	case <-done:
		log.Info().Msg("call finished")
	case <-sc.Done():
		log.Error().Msg("signal connection lost")
	}

	hangCtx, hangCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer hangCancel()
	ph.HangUp(hangCtx)

	log.Info().Msg("done")
}
