package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"tcp-relay/internal/application"
	"tcp-relay/internal/domain"
	"tcp-relay/internal/infrastructure/dnsresolve"
	"tcp-relay/internal/infrastructure/epoll"
	"tcp-relay/internal/infrastructure/network"
	"tcp-relay/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	opts, err := parseArgs(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	log := logger.Setup(level)
	log.Info("Initializing transparent TCP relay...")

	resolver, err := dnsresolve.FromResolvConf(opts.resolvConf)
	if err != nil {
		log.Warn("No nameservers available, host arguments must be IP literals", "error", err)
		resolver = dnsresolve.New()
	}

	cfg, err := opts.config(context.Background(), resolver)
	if err != nil {
		return err
	}

	eventLoop, err := epoll.New()
	if err != nil {
		return fmt.Errorf("create event loop: %w", err)
	}

	relay, err := application.NewRelayService(eventLoop, network.Sockets{}, domain.DestinationLookupFunc(network.OriginalDst), cfg, log)
	if err != nil {
		return fmt.Errorf("create relay service: %w", err)
	}

	log.Info("Relay listening", "addr", relay.Addr(), "bind", cfg.Bind, "lookup_failure", cfg.LookupFailure)

	if err := relay.Run(); err != nil {
		log.Error("Relay stopped unexpectedly", "error", err)
		return err
	}
	return nil
}
