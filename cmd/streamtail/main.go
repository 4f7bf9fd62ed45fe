package main

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gaspardpetit/streamhub/core/logx"
	"github.com/gaspardpetit/streamhub/core/reconnect"
	"github.com/gaspardpetit/streamhub/sdk/contracts/stream"
	"github.com/gaspardpetit/streamhub/sdk/streamclient"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

type multiFlag []string

func (m *multiFlag) String() string     { return strings.Join(*m, ",") }
func (m *multiFlag) Set(v string) error { *m = append(*m, v); return nil }

func main() {
	var (
		params  multiFlag
		headers multiFlag
	)
	showVersion := flag.Bool("version", false, "print version and exit")
	gatewayURL := flag.String("url", "http://localhost:8080/api/stream", "gateway stream endpoint")
	heartbeat := flag.Duration("heartbeat", streamclient.DefaultHeartbeatInterval, "server heartbeat interval (negative disables the monitor)")
	msgTimeout := flag.Duration("message-timeout", streamclient.DefaultMessageTimeout, "reconnect when no frame arrives for this long (negative disables)")
	attempts := flag.Int("max-attempts", reconnect.DefaultPolicy().MaxAttempts, "reconnect attempts before giving up (0 for unlimited)")
	logLevel := flag.String("log-level", "warn", "log verbosity")
	verbose := flag.Bool("v", false, "print every frame as JSON instead of the token text")
	flag.Var(&params, "param", "stream parameter as key=value (repeatable)")
	flag.Var(&headers, "header", "request header as 'Name: value' (repeatable)")
	flag.Parse()
	if *showVersion {
		fmt.Printf("streamtail version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	logx.Configure(*logLevel)

	q := url.Values{}
	for _, p := range params {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			logx.Log.Fatal().Str("param", p).Msg("expected key=value")
		}
		q.Add(k, v)
	}
	h := http.Header{}
	for _, hv := range headers {
		k, v, ok := strings.Cut(hv, ":")
		if !ok {
			logx.Log.Fatal().Str("header", hv).Msg("expected 'Name: value'")
		}
		h.Add(strings.TrimSpace(k), strings.TrimSpace(v))
	}

	policy := reconnect.DefaultPolicy()
	policy.MaxAttempts = *attempts
	exit := make(chan int, 1)
	finish := func(code int) {
		select {
		case exit <- code:
		default:
		}
	}

	c := streamclient.New(streamclient.Options{
		URL:               *gatewayURL,
		Header:            h,
		Policy:            policy,
		HeartbeatInterval: *heartbeat,
		MessageTimeout:    *msgTimeout,
		OnFrame: func(f stream.Frame) {
			if *verbose {
				b, _ := f.MarshalJSON()
				fmt.Println(string(b))
				return
			}
			switch p := f.Payload.(type) {
			case stream.Token:
				fmt.Print(p.Content)
			case stream.Error:
				fmt.Fprintf(os.Stderr, "\n[%s] %s\n", p.Code, p.Message)
			case stream.Done:
				fmt.Println()
				fmt.Fprintf(os.Stderr, "tokens=%d first_token=%dms duration=%dms\n",
					p.Metrics.TokensReceived, p.Metrics.FirstTokenLatencyMs, p.Metrics.DurationMs)
			}
		},
		OnStateChange: func(s streamclient.State) {
			logx.Log.Info().Str("state", s.String()).Msg("stream state")
			if s == streamclient.StateDone {
				finish(0)
			}
		},
		OnError: func(err error) {
			if errors.Is(err, streamclient.ErrReconnectExhausted) {
				logx.Log.Error().Err(err).Msg("giving up")
				finish(1)
			}
		},
	})
	if err := c.Connect(q); err != nil {
		logx.Log.Fatal().Err(err).Msg("connect")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	var code int
	select {
	case code = <-exit:
	case <-sigCh:
		code = 130
	}
	c.Disconnect()
	st := c.Stats()
	logx.Log.Info().
		Int64("connects", st.Connects).
		Int64("reconnect_attempts", st.ReconnectAttempts).
		Int64("messages", st.Messages).
		Int64("sequence_gaps", st.SequenceGaps).
		Dur("connected", st.ConnectedTime).
		Msg("stream closed")
	os.Exit(code)
}
