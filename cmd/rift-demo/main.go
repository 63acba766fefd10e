package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/go-rift/v1/cache"
	"github.com/mirkobrombin/go-rift/v1/config"
	"github.com/mirkobrombin/go-rift/v1/dispatch"
	"github.com/mirkobrombin/go-rift/v1/dmap"
	"github.com/mirkobrombin/go-rift/v1/metrics"
	"github.com/mirkobrombin/go-rift/v1/packet"
	"github.com/mirkobrombin/go-rift/v1/presets"
	"github.com/mirkobrombin/go-rift/v1/rift"
	"github.com/mirkobrombin/go-rift/v1/tap"
	"github.com/mirkobrombin/go-rift/v1/transport"
)

var (
	listen     = flag.String("listen", ":2112", "HTTP address for metrics and the tap")
	standalone = flag.Bool("standalone", false, "run without Redis, in memory only")
	interval   = flag.Duration("interval", time.Second, "time between demo rounds")
	trace      = flag.Bool("trace", false, "print spans to stdout")
)

type ping struct {
	packet.Envelope
	Round int `json:"round"`
}

func (*ping) Kind() string { return "demo.ping" }

type pong struct {
	packet.Envelope
	Round int    `json:"round"`
	By    string `json:"by"`
}

func (*pong) Kind() string { return "demo.pong" }

type responder struct{ id string }

func (responder) Topic() string { return "demo" }

func (r responder) Handlers() dispatch.HandlerSet {
	return dispatch.HandlerSet{
		"demo.ping": dispatch.Reply(func(_ context.Context, p *ping) (*pong, error) {
			return packet.Reply(&pong{Round: p.Round, By: r.id}, p), nil
		}),
	}
}

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if _, err := config.ConfigureLogging(cfg.LogLevel, nil); err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *trace {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			log.Fatal(err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)

	client, tapTransport, err := connect(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	for kind, f := range map[string]packet.Factory{
		"demo.ping": func() packet.Packet { return &ping{} },
		"demo.pong": func() packet.Packet { return &pong{} },
	} {
		if err := client.Register(kind, f); err != nil {
			log.Fatal(err)
		}
	}
	if _, err := client.Subscribe(ctx, responder{id: client.Identity()}); err != nil {
		log.Fatal(err)
	}

	local := cache.NewLRU[string, int](cache.WithMaxEntries(128), cache.WithMetrics(reg, "demo-stats"))
	stats, err := rift.CachedMap[string, int](ctx, client, "demo-stats", local, nil)
	if err != nil {
		log.Fatal(err)
	}
	defer stats.Close(context.Background())
	go dmap.NewValidator(stats, dmap.ModeAutoHeal, 10*time.Second).Run(ctx)

	t := tap.New(tapTransport)
	defer t.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/tap/sse", tap.SSEHandler(t))
	mux.Handle("/tap/ws", tap.WebSocketHandler(t))
	srv := &http.Server{Addr: *listen, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("rift: http server stopped", "err", err)
			stop()
		}
	}()
	slog.Info("rift: demo running", "identity", client.Identity(), "listen", *listen)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for round := 1; ; round++ {
		select {
		case <-ctx.Done():
			shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = srv.Shutdown(shutdown)
			cancel()
			return
		case <-ticker.C:
		}
		if err := runRound(ctx, client, stats, round); err != nil && ctx.Err() == nil {
			slog.Warn("rift: demo round failed", "round", round, "err", err)
		}
	}
}

func runRound(ctx context.Context, client *rift.Client, stats *dmap.CachedMap[string, int], round int) error {
	err := client.Lock("demo-stats-lock").Execute(ctx, func(ctx context.Context) error {
		n, _ := stats.Get("rounds")
		return stats.Set(ctx, "rounds", n+1)
	})
	if err != nil {
		return err
	}

	rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	resp, err := rift.AwaitReply[*pong](rctx, client, "demo", &ping{Round: round})
	if err != nil {
		return err
	}
	total, _ := stats.Get("rounds")
	slog.Info("rift: demo round", "round", resp.Round, "answered_by", resp.By, "rounds_total", total)
	return nil
}

// connect builds the client and a second transport connection for the tap.
func connect(ctx context.Context, cfg config.Config) (*rift.Client, transport.Transport, error) {
	if *standalone {
		hub := presets.NewHub()
		c, err := presets.NewInMemoryStandalone(ctx, hub, rift.WithIdentity(cfg.Identity))
		if err != nil {
			return nil, nil, err
		}
		return c, hub.Connect(), nil
	}
	c, err := presets.FromConfig(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	var tr transport.Transport
	switch cfg.Transport {
	case config.TransportNATS:
		conn, cerr := nats.Connect(cfg.NATSURL)
		if cerr != nil {
			err = cerr
			break
		}
		tr = transport.NewNATS(conn)
	case config.TransportKafka:
		tr, err = transport.NewKafka(cfg.KafkaBrokers, nil)
	default:
		tr = transport.NewRedis(redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}))
	}
	if err != nil {
		_ = c.Close()
		return nil, nil, err
	}
	return c, tr, nil
}
