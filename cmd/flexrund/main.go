// Command flexrund hosts the Run Coordinator over HTTP: it accepts a new
// run or a resume as a POST, streams that run's events over SSE, and
// exposes a redacted debug view and a pending-tasks listing. It is a
// reference binary, not the production deployment shape spec.md section
// 1 deliberately leaves unspecified — see SPEC_FULL.md section 6.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"goa.design/clue/log"

	"github.com/flexrun/orchestrator/coordinator"
	"github.com/flexrun/orchestrator/event/fanout"
	"github.com/flexrun/orchestrator/event/memory"
	"github.com/flexrun/orchestrator/hitl"
	persistmemory "github.com/flexrun/orchestrator/persistence/memory"
)

func main() {
	var (
		httpPortF = flag.String("http-port", "8080", "HTTP port to listen on")
		configF   = flag.String("config", "", "path to a capabilities/facets YAML config (defaults to a tiny built-in demo catalog)")
		plannerF  = flag.String("planner", "stub", "planner backend: stub, anthropic, openai, or bedrock")
		modelF    = flag.String("model", "", "model id/name passed to the selected planner backend")
		dbgF      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	cfg, err := loadConfig(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "load config")
	}

	rt := newDemoRuntime()
	registry := buildRegistry(cfg, rt)
	catalog := buildCatalog(cfg)

	pl, err := buildPlanner(*plannerF, *modelF, cfg)
	if err != nil {
		log.Fatalf(ctx, err, "build planner")
	}

	store := persistmemory.New()
	hitlSvc := hitl.NewInMemoryService()
	hub := fanout.New(memory.New())

	coord, err := coordinator.New(coordinator.Options{
		Registry: registry,
		Runtime:  rt,
		Planner:  pl,
		Store:    store,
		Sink:     hub,
		Hitl:     hitlSvc,
		Catalog:  catalog,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build coordinator")
	}

	mux := newMux(coord, store, hub, hitlSvc)

	server := &http.Server{
		Addr:    net.JoinHostPort("localhost", *httpPortF),
		Handler: mux,
	}

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()
	go func() {
		log.Print(ctx, log.KV{K: "http-addr", V: server.Addr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "graceful shutdown failed"})
	}
	log.Print(ctx, log.KV{K: "msg", V: "exited"})
}
