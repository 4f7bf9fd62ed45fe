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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/streamhub/core/logx"
	"github.com/gaspardpetit/streamhub/core/reconnect"
	"github.com/gaspardpetit/streamhub/core/secret"
	"github.com/gaspardpetit/streamhub/internal/config"
	"github.com/gaspardpetit/streamhub/internal/gateway"
	"github.com/gaspardpetit/streamhub/internal/hub"
	"github.com/gaspardpetit/streamhub/internal/inflight"
	"github.com/gaspardpetit/streamhub/internal/metrics"
	"github.com/gaspardpetit/streamhub/internal/server"
	"github.com/gaspardpetit/streamhub/internal/serverstate"
	"github.com/gaspardpetit/streamhub/internal/upstream"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.ServerConfig
	// Resolve config with precedence: defaults < file < env < args
	cfg.SetDefaults()
	cfg.ApplyEnv() // allows CONFIG_FILE from env
	// Allow --config to override file path before loading it
	for i := 1; i < len(os.Args); i++ {
		a := os.Args[i]
		if a == "--config" && i+1 < len(os.Args) {
			cfg.ConfigFile = os.Args[i+1]
			break
		}
		if strings.HasPrefix(a, "--config=") {
			cfg.ConfigFile = strings.TrimPrefix(a, "--config=")
			break
		}
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	cfg.ApplyEnv()
	cfg.BindFlagsFromCurrent(flag.CommandLine)
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "streamhub version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("streamhub version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	if cfg.LogFormat == "json" {
		logx.ConfigureJSON(cfg.LogLevel, os.Stderr)
	} else {
		logx.Configure(cfg.LogLevel)
	}
	if err := cfg.Validate(); err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid configuration")
	}
	// Set build info metric (collectors are registered in server.New)
	metrics.SetBuildInfo(version, buildSHA, buildDate)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.RedisAddr != "" {
		rs, err := connectRedis(ctx, cfg.RedisAddr)
		if err != nil {
			logx.Log.Fatal().Err(err).Str("addr", secret.MaskURL(cfg.RedisAddr)).Msg("connect redis")
		}
		defer func() { _ = rs.Close() }()
		serverstate.UseStore(rs)
		logx.Log.Info().Str("addr", secret.MaskURL(cfg.RedisAddr)).Msg("using redis state store")
	}

	src := upstream.NewClient(cfg.Upstream.URL, cfg.Upstream.APIKey, cfg.Upstream.ConnectTimeout)
	gw := gateway.New(src, gateway.Config{
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
		MaxAge:            cfg.Stream.MaxAge,
		ReapInterval:      cfg.Stream.ReapInterval,
	}, gateway.WithDrainCheck(serverstate.IsDraining))
	hb := hub.New(hub.Config{
		PingInterval:    cfg.Hub.PingInterval,
		LivenessTimeout: cfg.Hub.LivenessTimeout,
		SendBuffer:      cfg.Hub.SendBuffer,
	}, hub.WithDrainCheck(serverstate.IsDraining))
	go gw.Run(ctx)
	go hb.Run(ctx)

	streams := &inflight.Counter{}
	handler := server.New(cfg, server.Deps{
		Gateway:  gw,
		Hub:      hb,
		StateReg: serverstate.NewRegistry(),
		Inflight: streams,
	})
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	var metricsSrv *http.Server
	if cfg.MetricsAddr != fmt.Sprintf(":%d", cfg.Port) {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	}

	stop, stopAll := context.WithCancel(ctx)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			if serverstate.IsDraining() || cfg.DrainTimeout == 0 {
				logx.Log.Warn().Msg("termination requested")
				stopAll()
				return
			}
			serverstate.StartDrain()
			logx.Log.Info().Int64("streams", streams.Load()).Int("hub_connections", hb.Len()).Msg("drain requested")
			waitCtx := stop
			var cancelWait context.CancelFunc
			if cfg.DrainTimeout > 0 {
				logx.Log.Info().Dur("timeout", cfg.DrainTimeout).Msg("draining; send SIGTERM again to terminate immediately")
				waitCtx, cancelWait = context.WithTimeout(stop, cfg.DrainTimeout)
			} else {
				logx.Log.Info().Msg("draining; send SIGTERM again to terminate immediately")
			}
			go func(waitCtx context.Context, cancelWait context.CancelFunc) {
				if cancelWait != nil {
					defer cancelWait()
				}
				if streams.WaitForZero(waitCtx) {
					logx.Log.Info().Msg("drain complete; terminating")
					stopAll()
					return
				}
				if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
					logx.Log.Warn().Int64("streams", streams.Load()).Msg("drain timeout exceeded; terminating")
					stopAll()
				}
			}(waitCtx, cancelWait)
		}
	}()
	go func() {
		<-stop.Done()
		n := gw.CloseAll(gateway.ErrShuttingDown)
		m := hb.CloseAll(hub.ErrShuttingDown)
		logx.Log.Info().Int("streams", n).Int("hub_connections", m).Msg("closed remaining connections")
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logx.Log.Error().Err(err).Msg("server shutdown")
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				logx.Log.Error().Err(err).Msg("metrics server shutdown")
			}
		}
	}()

	if cfg.APIKey != "" {
		logx.Log.Info().Str("key", secret.Mask(cfg.APIKey)).Msg("API key auth enabled")
	}
	logx.Log.Info().Str("upstream", cfg.Upstream.URL).Dur("heartbeat", cfg.Stream.HeartbeatInterval).Dur("max_age", cfg.Stream.MaxAge).Msg("gateway configured")
	if metricsSrv != nil {
		go func() {
			logx.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server starting")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logx.Log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}
	serverstate.SetState("ready")
	logx.Log.Info().Int("port", cfg.Port).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logx.Log.Fatal().Err(err).Msg("server error")
	}
	<-stop.Done()
}

// connectRedis retries the initial redis connection with the shared backoff
// policy.
func connectRedis(ctx context.Context, addr string) (*serverstate.RedisStore, error) {
	var rs *serverstate.RedisStore
	err := reconnect.RunWithReconnect(ctx, reconnect.DefaultPolicy(), func(ctx context.Context) (bool, error) {
		s, err := serverstate.NewRedisStore(ctx, addr)
		if err != nil {
			logx.Log.Warn().Err(err).Str("addr", secret.MaskURL(addr)).Msg("redis not reachable; retrying")
			return false, err
		}
		rs = s
		return true, nil
	})
	return rs, err
}
