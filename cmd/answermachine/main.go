package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/flowpbx/answermachine/internal/api"
	"github.com/flowpbx/answermachine/internal/config"
	"github.com/flowpbx/answermachine/internal/machine"
	"github.com/flowpbx/answermachine/internal/media"
	"github.com/flowpbx/answermachine/internal/metrics"
	"github.com/flowpbx/answermachine/internal/prompts"
	"github.com/flowpbx/answermachine/internal/ratelimit"
	sipserver "github.com/flowpbx/answermachine/internal/sip"
)

// shutdownTimeout bounds the HTTP server drain on exit.
const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(cfg.LogWriter()))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("answermachine failed", "error", err)
		os.Exit(1)
	}
	logger.Info("answermachine stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	startTime := time.Now()
	logger.Info("starting answermachine",
		"sip_port", cfg.SIPPort,
		"media_ip", cfg.MediaIP(),
		"rtp_port", cfg.RTPPort,
		"media_sockets", cfg.MediaSockets,
		"max_calls", cfg.MaxCalls,
		"http_port", cfg.HTTPPort,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := media.NewSocketPool(cfg.MediaSockets, cfg.RTPPort, media.BindUDP(net.IPv4zero), logger)
	if err != nil {
		return fmt.Errorf("binding media sockets: %w", err)
	}
	defer pool.Close() //nolint:errcheck

	specs := cfg.SignalSpecs()
	bridge := media.NewBridge(len(specs)+cfg.MaxCalls, logger)
	bridge.Start(ctx)
	defer bridge.Stop()

	signals := machine.NewSignalRegistry(bridge)
	if err := registerSignals(signals, specs, logger); err != nil {
		return err
	}

	sipSrv, err := sipserver.NewServer(cfg, logger)
	if err != nil {
		return err
	}

	m, err := machine.New(machine.Config{
		MaxCalls:      cfg.MaxCalls,
		RingingTime:   cfg.RingingTime,
		ActiveTime:    cfg.ActiveTime,
		ActiveEndCode: cfg.ActiveEndCode,
		PollInterval:  cfg.PollInterval,
	}, machine.Deps{
		Signaling: sipSrv,
		Media:     sipSrv,
		Mixer:     bridge,
		Pool:      pool,
		Signals:   signals,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating machine: %w", err)
	}
	sipSrv.Attach(m)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(m, pool, bridge, startTime),
	)

	g, gctx := errgroup.WithContext(ctx)

	// The machine goes first so nothing is posted to a loop that has not
	// started, and stops last so it can terminate live calls while the
	// SIP stack is still up.
	machineCtx, stopMachine := context.WithCancel(context.Background())
	defer stopMachine()
	machineDone := make(chan struct{})
	g.Go(func() error {
		defer close(machineDone)
		return m.Run(machineCtx)
	})

	// Stop, not ctx, ends the SIP stack so BYEs for calls ended during
	// shutdown still go out.
	if err := sipSrv.Start(context.Background()); err != nil {
		stopMachine()
		return errors.Join(err, g.Wait())
	}

	if cfg.HTTPPort > 0 {
		apiLimiter := ratelimit.New("api", cfg.APIRate, cfg.APIBurst, logger)
		g.Go(func() error {
			apiLimiter.Run(gctx)
			return nil
		})

		srv := &http.Server{
			Addr: net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
			Handler: api.NewServer(api.Deps{
				Calls:    m,
				Signals:  signals,
				Trace:    sipSrv.Tracer(),
				Gatherer: registry,
				Limiter:  apiLimiter,
			}, logger),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		g.Go(func() error {
			logger.Info("http server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		stopMachine()
		<-machineDone
		sipSrv.Stop()
		return nil
	})

	return g.Wait()
}

// registerSignals attaches one bridge port per configured signal, in table
// order.
func registerSignals(reg *machine.SignalRegistry, specs []config.SignalSpec, logger *slog.Logger) error {
	for _, spec := range specs {
		port, err := newSignal(spec)
		if err != nil {
			return fmt.Errorf("signal %q: %w", spec.Username, err)
		}
		slot, err := reg.Register(spec.Username, port)
		if err != nil {
			return err
		}
		logger.Info("signal registered", "username", spec.Username, "kind", spec.Kind, "slot", slot)
	}
	return nil
}

func newSignal(spec config.SignalSpec) (media.Port, error) {
	switch spec.Kind {
	case "tone", "ringback":
		hz, err := strconv.ParseFloat(spec.Arg, 64)
		if err != nil {
			return nil, err
		}
		if spec.Kind == "ringback" {
			return media.NewRingback(hz), nil
		}
		return media.NewTone(hz), nil
	case "wav":
		if spec.Arg == "" {
			return prompts.Load(prompts.ExampleName)
		}
		return media.LoadWAVFile(spec.Arg)
	default:
		return nil, fmt.Errorf("unknown signal kind %q", spec.Kind)
	}
}
