// streamtest connects to a market-data feed and prints every configured
// stream to the console.
// Usage: go run ./cmd/streamtest --config configs/streamtest.example.yaml
//
// Config values may reference environment variables; a .env file in the
// working directory is loaded first when present.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/marketstream/internal/config"
	"github.com/rickgao/marketstream/internal/connection"
	"github.com/rickgao/marketstream/internal/logging"
	"github.com/rickgao/marketstream/internal/metrics"
	"github.com/rickgao/marketstream/internal/model"
	"github.com/rickgao/marketstream/internal/protocol"
	"github.com/rickgao/marketstream/internal/session"
	"github.com/rickgao/marketstream/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/streamtest.example.yaml", "path to config file")
	envPath := flag.String("env", ".env", "path to .env file")
	feedURL := flag.String("url", "", "override feed.url")
	verbose := flag.Bool("verbose", false, "print full event JSON")
	flag.Parse()

	if err := config.LoadDotEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "load env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *feedURL != "" {
		cfg.Feed.URL = *feedURL
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "validate config: %v\n", err)
		os.Exit(1)
	}

	logger, closer := logging.New(cfg.Logging, os.Stderr)
	defer closer.Close()
	logger.Info("starting streamtest", "version", version.String(), "feed", cfg.Feed.URL)

	if err := run(cfg, logger, *verbose); err != nil {
		logger.Error("streamtest failed", "error", err)
		closer.Close()
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(cfg *config.StreamConfig, logger *slog.Logger, verbose bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()
	m := metrics.New(reg)

	clientCfg := connection.DefaultClientConfig()
	clientCfg.URL = cfg.Feed.URL
	clientCfg.Compression = cfg.Feed.CompressionEnabled()
	clientCfg.HandshakeTimeout = cfg.Connection.HandshakeTimeout
	clientCfg.WriteTimeout = cfg.Connection.WriteTimeout
	clientCfg.Header = http.Header{"User-Agent": []string{version.UserAgent()}}
	transport := connection.NewWebsocketTransport(clientCfg, logger)

	sessCfg := session.DefaultConfig()
	sessCfg.Supervisor = connection.SupervisorConfig{
		HeartbeatInterval: cfg.Connection.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Connection.HeartbeatTimeout,
		MaxRetries:        cfg.Connection.MaxRetries,
		ReconnectBaseWait: cfg.Connection.ReconnectBaseDelay,
		ReconnectMaxWait:  cfg.Connection.ReconnectMaxDelay,
	}
	sessCfg.BufferSize = cfg.Streams.BufferSize
	sessCfg.StateBufferSize = cfg.Streams.StateBufferSize

	sess := session.New(sessCfg, transport, protocol.JSONCodec{},
		session.WithLogger(logger),
		session.WithMetrics(m),
	)

	g, gctx := errgroup.WithContext(ctx)

	states := sess.ConnectionState()
	g.Go(func() error {
		for {
			c, err := states.Next(gctx)
			if err != nil {
				return nil
			}
			fmt.Printf("[STATE] %s -> %s", c.From, c.To)
			if c.Err != nil {
				fmt.Printf(" (%v)", c.Err)
			}
			fmt.Println()
			if c.To == model.StateDisconnected && errors.Is(c.Err, model.ErrReconnectBudgetExhausted) {
				return c.Err
			}
		}
	})

	for _, sub := range cfg.Subscriptions {
		opts := []session.StreamOption{session.WithDepth(sub.Depth)}
		if sub.Mode != "" {
			opts = append(opts, session.WithMode(sub.Mode))
		}
		st, err := sess.Stream(model.Kind(sub.Kind), sub.Instrument, opts...)
		if err != nil {
			return fmt.Errorf("open %s %s: %w", sub.Kind, sub.Instrument, err)
		}
		g.Go(func() error {
			printEvents(gctx, st, verbose, logger)
			return nil
		})
	}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, metrics.Handler(reg))
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			if !sess.IsAlive() {
				w.WriteHeader(http.StatusServiceUnavailable)
				fmt.Fprintln(w, sess.State())
				return
			}
			fmt.Fprintln(w, "ok")
		})
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("metrics server listening", "addr", srv.Addr, "path", cfg.Metrics.Path)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	// Stats printer
	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				st := sess.Stats()
				logger.Info("stats",
					"state", st.Supervisor.State,
					"generation", st.Supervisor.Generation,
					"reconnects", st.Supervisor.ReconnectAttempts,
					"subscriptions", st.Subscriptions,
					"books", st.Books,
					"router_received", st.Router.MessagesReceived,
					"router_routed", st.Router.MessagesRouted,
					"decode_errors", st.Router.DecodeErrors,
					"dropped", st.Router.EventsDropped,
					"gaps", st.Router.Gaps,
				)
			}
		}
	})

	if err := sess.Connect(ctx); err != nil {
		stop()
		g.Wait()
		return fmt.Errorf("connect: %w", err)
	}
	logger.Info("streaming started - press Ctrl+C to stop")

	<-gctx.Done()

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down...")
	if err := sess.Disconnect(shutdownCtx); err != nil {
		logger.Warn("disconnect", "error", err)
	}
	return g.Wait()
}

func printEvents(ctx context.Context, st *session.Stream[model.Event], verbose bool, logger *slog.Logger) {
	defer st.Close()
	for {
		ev, err := st.Next(ctx)
		if err != nil {
			if st.Err() != nil {
				logger.Warn("stream ended", "error", st.Err())
			}
			return
		}

		if verbose {
			data, _ := json.MarshalIndent(ev, "", "  ")
			fmt.Printf("[%s] %s\n", ev.Kind(), data)
			continue
		}

		switch e := ev.(type) {
		case model.OrderBookSnapshot:
			bid, _ := e.BestBid()
			ask, _ := e.BestAsk()
			fmt.Printf("[ORDERBOOK] instrument=%s bid=%s ask=%s bid_levels=%d ask_levels=%d seq=%d\n",
				e.Instrument, bid, ask, len(e.Bids), len(e.Asks), e.Sequence)
		case model.Trade:
			fmt.Printf("[TRADE] instrument=%s id=%s side=%s price=%s amount=%s\n",
				e.Instrument, e.ID, e.Side, e.Price, e.Amount)
		case model.Ticker:
			fmt.Printf("[TICKER] instrument=%s last=%s bid=%s ask=%s vol=%s\n",
				e.Instrument, e.Last, e.Bid, e.Ask, e.Volume)
		case model.BalanceUpdate:
			fmt.Printf("[BALANCE] currency=%s total=%s available=%s\n",
				e.Currency, e.Total, e.Available)
		}
	}
}
