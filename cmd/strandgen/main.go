// Command strandgen generates synthetic traces against a real agent or
// collector, exercising the full pipeline: sampling, batching, and the
// configured transport. Useful for smoke-testing a tracing backend and
// for watching the client's own metrics under load.
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/strandtrace/strand-go"
	"github.com/strandtrace/strand-go/config"
)

var operations = []string{
	"lookup-user",
	"fetch-inventory",
	"charge-card",
	"reserve-stock",
	"render-receipt",
}

func main() {
	service := flag.String("service", "strandgen", "service name reported with every span")
	tracesPerSecond := flag.Float64("rate", 10, "traces started per second")
	workers := flag.Int("workers", 4, "concurrent trace generators")
	depth := flag.Int("depth", 3, "child span depth per trace")
	duration := flag.Duration("duration", 0, "how long to run; 0 means until interrupted")
	flag.Parse()

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = *service
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	tracer, closer, err := cfg.NewTracer(config.WithLogger(logger))
	if err != nil {
		logger.Fatal("building tracer", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	burst := int(math.Max(1, math.Ceil(*tracesPerSecond)))
	limiter := rate.NewLimiter(rate.Limit(*tracesPerSecond), burst)

	logger.Info("generating traces",
		zap.String("service", cfg.ServiceName),
		zap.Float64("rate", *tracesPerSecond),
		zap.Int("workers", *workers),
		zap.Int("depth", *depth))

	var (
		generated atomic.Int64
		wg        sync.WaitGroup
	)
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
				generateTrace(tracer, *depth)
				generated.Add(1)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logger.Info("progress", zap.Int64("traces", generated.Load()))
			}
		}
	}()

	<-ctx.Done()
	wg.Wait()
	if err := closer.Close(); err != nil {
		logger.Warn("closing tracer", zap.Error(err))
	}
	logger.Info("done", zap.Int64("traces", generated.Load()))
}

func generateTrace(tracer *strand.Tracer, depth int) {
	root := tracer.StartSpan("handle-request", strand.WithTags(
		strand.String(strand.TagSpanKind, "server"),
		strand.String("http.method", "GET"),
		strand.String("http.url", "/checkout"),
	))
	root.SetBaggageItem("request-id", fmt.Sprintf("%016x", rand.Uint64()))
	simulateWork(root, depth)
	root.SetTag(strand.Int("http.status_code", 200))
	root.Finish()
}

func simulateWork(parent *strand.Span, depth int) {
	if depth <= 0 {
		return
	}
	children := 1 + rand.Intn(3)
	for i := 0; i < children; i++ {
		operation := operations[rand.Intn(len(operations))]
		child := parent.Tracer().StartSpan(operation,
			strand.ChildOf(parent.Context()),
			strand.WithTags(strand.String(strand.TagSpanKind, "client")))
		child.Log(strand.String("event", "dispatch"), strand.Int("attempt", i+1))
		time.Sleep(time.Duration(rand.Intn(2000)) * time.Microsecond)
		if rand.Intn(50) == 0 {
			child.SetTag(strand.Bool(strand.TagError, true))
		}
		simulateWork(child, depth-1)
		child.Finish()
	}
}
