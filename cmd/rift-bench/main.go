package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-rift/v1/cache"
	"github.com/mirkobrombin/go-rift/v1/dispatch"
	"github.com/mirkobrombin/go-rift/v1/packet"
	"github.com/mirkobrombin/go-rift/v1/presets"
	"github.com/mirkobrombin/go-rift/v1/rift"
)

var (
	concurrency = flag.Int("c", 16, "Concurrency")
	requests    = flag.Int("n", 10000, "Requests")
	target      = flag.String("target", "all", "Targets: lock, request, cached-get, ristretto-get")
	redisAddr   = flag.String("redis-addr", "", "Redis address; empty runs in memory")
)

type probe struct {
	packet.Envelope
	Seq int `json:"seq"`
}

func (*probe) Kind() string { return "bench.probe" }

type echo struct{}

func (echo) Topic() string { return "bench" }

func (echo) Handlers() dispatch.HandlerSet {
	return dispatch.HandlerSet{
		"bench.probe": dispatch.Reply(func(_ context.Context, p *probe) (*probe, error) {
			return packet.Reply(&probe{Seq: p.Seq}, p), nil
		}),
	}
}

func main() {
	flag.Parse()
	ctx := context.Background()

	client, err := newClient(ctx)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer client.Close()
	if err := client.Register("bench.probe", func() packet.Packet { return &probe{} }); err != nil {
		log.Fatalf("register: %v", err)
	}

	targets := strings.Split(*target, ",")
	if *target == "all" {
		targets = []string{"lock", "request", "cached-get", "ristretto-get"}
	}

	fmt.Printf("| %-15s | %-10s | %-12s | %-12s |\n", "Target", "Ops/sec", "Avg Latency", "P99 Latency")
	fmt.Println("|:---|:---|:---|:---|")
	for _, t := range targets {
		run(ctx, client, strings.TrimSpace(t))
	}
}

func newClient(ctx context.Context) (*rift.Client, error) {
	if *redisAddr == "" {
		return presets.NewInMemoryStandalone(ctx, nil)
	}
	return presets.NewRedis(ctx, presets.RedisOptions{Addr: *redisAddr})
}

func run(ctx context.Context, client *rift.Client, name string) {
	var op func(ctx context.Context, seq int) error

	switch name {
	case "lock":
		l := client.Lock("bench:lock", rift.WithDelay(time.Millisecond))
		op = func(ctx context.Context, _ int) error {
			return l.Execute(ctx, func(context.Context) error { return nil })
		}

	case "request":
		if _, err := client.Subscribe(ctx, echo{}); err != nil {
			log.Printf("subscribe: %v", err)
			return
		}
		op = func(ctx context.Context, seq int) error {
			rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			_, err := rift.AwaitReply[*probe](rctx, client, "bench", &probe{Seq: seq})
			return err
		}

	case "cached-get", "ristretto-get":
		var local cache.Provider[string, string]
		if name == "ristretto-get" {
			r, err := cache.NewRistretto[string, string]()
			if err != nil {
				log.Printf("ristretto: %v", err)
				return
			}
			defer r.Close()
			local = r
		}
		m, err := rift.CachedMap[string, string](ctx, client, "bench:"+name, local, nil)
		if err != nil {
			log.Printf("cached map: %v", err)
			return
		}
		defer m.Close(ctx)
		if err := m.Set(ctx, "key", strings.Repeat("x", 256)); err != nil {
			log.Printf("warmup: %v", err)
			return
		}
		op = func(context.Context, int) error {
			if _, ok := m.Get("key"); !ok {
				return fmt.Errorf("miss")
			}
			return nil
		}

	default:
		log.Printf("Unknown target: %s", name)
		return
	}

	measure(ctx, name, op)
}

func measure(ctx context.Context, name string, op func(ctx context.Context, seq int) error) {
	var (
		wg  sync.WaitGroup
		ops int64
	)
	total := *requests
	latencies := make([]int64, total)
	chunk := total / *concurrency

	start := time.Now()
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			offset := idx * chunk
			for j := 0; j < chunk; j++ {
				began := time.Now()
				if err := op(ctx, offset+j); err == nil {
					atomic.AddInt64(&ops, 1)
					latencies[offset+j] = time.Since(began).Nanoseconds()
				}
			}
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	if ops == 0 {
		fmt.Printf("| %-15s | %-10s | %-12s | %-12s |\n", name, "ERROR", "-", "-")
		return
	}

	valid := make([]int64, 0, ops)
	for _, l := range latencies {
		if l > 0 {
			valid = append(valid, l)
		}
	}
	p99 := "-"
	if len(valid) > 0 {
		sort.Slice(valid, func(i, j int) bool { return valid[i] < valid[j] })
		idx := int(float64(len(valid)) * 0.99)
		if idx >= len(valid) {
			idx = len(valid) - 1
		}
		p99 = time.Duration(valid[idx]).String()
	}
	avg := time.Duration(elapsed.Nanoseconds() / ops)
	fmt.Printf("| %-15s | %-10.0f | %-12s | %-12s |\n", name, float64(ops)/elapsed.Seconds(), avg, p99)
}
