package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"tunnel-proxy/internal/application"
	"tunnel-proxy/internal/config"
	"tunnel-proxy/internal/dnsrelay"
	"tunnel-proxy/internal/infrastructure/epoll"
	"tunnel-proxy/internal/infrastructure/route"
	"tunnel-proxy/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.toml", "Path to the configuration file")
	verbose := flag.Bool("verbose", false, "Force debug logging")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	level := cfg.General.LogLevel
	if *verbose {
		level = "debug"
	}
	log := logger.Setup(level, cfg.General.LogFormat)
	log.Info("Initializing tunnel proxy...", "config", *configPath, "shards", cfg.General.Shards)

	cert, err := tls.LoadX509KeyPair(cfg.Server.CertFile, cfg.Server.KeyFile)
	if err != nil {
		log.Error("Failed to load certificate", "error", err)
		os.Exit(1)
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"http/1.1"},
	}

	var routes dnsrelay.RouteInjector
	if cfg.DNS.Enable && cfg.DNS.AddRoute {
		inj, err := route.NewNetlinkInjector(cfg.DNS.AdapterIndex, cfg.DNS.AdapterName, log)
		if err != nil {
			log.Error("Failed to set up route injection", "error", err)
			os.Exit(1)
		}
		routes = inj
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = application.RunShards(ctx, cfg.General.Shards, func(shard int) (*application.Worker, error) {
		return buildWorker(shard, cfg, tlsCfg, routes, log)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Proxy stopped unexpectedly", "error", err)
		os.Exit(1)
	}
	log.Info("Proxy stopped")
}

func buildWorker(shard int, cfg *config.Config, tlsCfg *tls.Config, routes dnsrelay.RouteInjector, log *slog.Logger) (*application.Worker, error) {
	shardLog := log.With("shard", shard)

	loop, err := epoll.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create event loop: %w", err)
	}

	resolver, err := application.OpenResolver(cfg.Resolver, shardLog)
	if err != nil {
		loop.Close()
		return nil, fmt.Errorf("failed to create resolver: %w", err)
	}

	proxy, err := application.NewProxyService(loop, application.OptionsFromConfig(cfg.Server, tlsCfg), resolver, shardLog)
	if err != nil {
		resolver.Close()
		loop.Close()
		return nil, fmt.Errorf("failed to create proxy service: %w", err)
	}
	shardLog.Info("Proxy listening", "addr", proxy.Addr())

	var dns application.DNSHandler
	if shard == 0 && cfg.DNS.Enable {
		srv, err := dnsrelay.Open(cfg.DNS, routes, shardLog)
		if err != nil {
			proxy.Close()
			loop.Close()
			return nil, fmt.Errorf("failed to start dns relay: %w", err)
		}
		dns = srv
	}
	return application.NewWorker(shard, loop, proxy, dns, log), nil
}
