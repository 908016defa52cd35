package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"goa.design/clue/log"

	"goa.design/agentexec/runtime/agent/config"
	"goa.design/agentexec/runtime/agent/telemetry"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to the YAML configuration file")
		addrF   = flag.String("addr", "", "HTTP listen address (overrides server.addr)")
		dbgF    = flag.Bool("debug", false, "Enable debug logs and debug endpoints")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatal(ctx, err)
	}
	if *addrF != "" {
		cfg.Server.Addr = *addrF
	}
	dbg := *dbgF || cfg.Server.Debug
	if dbg {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	log.Print(ctx, log.KV{K: "addr", V: cfg.Server.Addr}, log.KV{K: "engine", V: cfg.Engine.Backend},
		log.KV{K: "store", V: cfg.Store.Backend}, log.KV{K: "model", V: cfg.Model.Provider})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	svc, err := newService(ctx, cfg, telemetry.NewClueLogger(), telemetry.NewClueMetrics())
	if err != nil {
		log.Fatalf(ctx, err, "failed to start service")
	}
	handler, err := newHandler(ctx, svc, dbg)
	if err != nil {
		log.Fatalf(ctx, err, "failed to build HTTP handler")
	}

	errc := make(chan error, 1)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()
	stop := serve(ctx, cfg.Server.Addr, handler, cfg.Server.ShutdownTimeout, errc)

	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()
	stop()
	if err := svc.Close(context.Background()); err != nil {
		log.Errorf(ctx, err, "failed to release resources")
	}
	log.Printf(ctx, "exited")
}
