package main

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"tcp-relay/internal/domain"
	"tcp-relay/internal/infrastructure/dnsresolve"
)

const usage = "usage: tcp-relay [flags] LISTEN_ADDR LISTEN_PORT [BIND_ADDR [BIND_PORT]]"

type options struct {
	listenHost string
	listenPort uint16
	bindHost   string
	bindPort   uint16

	maxQueueBytes  int
	connectTimeout time.Duration
	idleTimeout    time.Duration
	lookupFailure  domain.LookupFailurePolicy
	backlog        int
	resolvConf     string
	verbose        bool
}

type hostResolver interface {
	LookupIPv4(ctx context.Context, host string) (netip.Addr, error)
}

func parseArgs(args []string) (*options, error) {
	fs := pflag.NewFlagSet("tcp-relay", pflag.ContinueOnError)
	fs.SortFlags = false
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, usage)
		fs.PrintDefaults()
	}

	var (
		opts          options
		lookupFailure string
	)
	fs.IntVar(&opts.maxQueueBytes, "max-queue-bytes", 0, "Pause reading a side while the queue toward its peer holds this many bytes (0 = unbounded)")
	fs.DurationVar(&opts.connectTimeout, "connect-timeout", 0, "Abort outbound connects that take longer than this (0 = never)")
	fs.DurationVar(&opts.idleTimeout, "idle-timeout", 0, "Close connections without traffic for this long (0 = never)")
	fs.StringVar(&lookupFailure, "lookup-failure", "drop", "On original destination lookup failure: drop (close that connection) | fatal (exit)")
	fs.IntVar(&opts.backlog, "backlog", domain.DefaultBacklog, "Listen backlog")
	fs.StringVar(&opts.resolvConf, "resolv-conf", dnsresolve.DefaultResolvConf, "resolv.conf used to resolve host name arguments")
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable per-connection debug logging")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	switch strings.ToLower(lookupFailure) {
	case "drop":
		opts.lookupFailure = domain.LookupDrop
	case "fatal":
		opts.lookupFailure = domain.LookupFatal
	default:
		return nil, fmt.Errorf("invalid --lookup-failure %q: expected drop or fatal", lookupFailure)
	}
	if opts.maxQueueBytes < 0 {
		return nil, errors.New("invalid --max-queue-bytes: must be >= 0")
	}
	if opts.connectTimeout < 0 || opts.idleTimeout < 0 {
		return nil, errors.New("timeouts must be >= 0")
	}
	if opts.backlog <= 0 {
		return nil, errors.New("invalid --backlog: must be > 0")
	}

	pos := fs.Args()
	if len(pos) < 2 || len(pos) > 4 {
		return nil, errors.New(usage)
	}

	var err error
	opts.listenHost = pos[0]
	if opts.listenPort, err = parsePort(pos[1]); err != nil {
		return nil, fmt.Errorf("listen port: %w", err)
	}
	if len(pos) >= 3 {
		opts.bindHost = pos[2]
	}
	if len(pos) == 4 {
		if opts.bindPort, err = parsePort(pos[3]); err != nil {
			return nil, fmt.Errorf("bind port: %w", err)
		}
	}
	return &opts, nil
}

// config resolves the host arguments into a runnable configuration.
func (o *options) config(ctx context.Context, r hostResolver) (domain.Config, error) {
	cfg := domain.Config{
		Backlog:        o.backlog,
		MaxQueueBytes:  o.maxQueueBytes,
		ConnectTimeout: o.connectTimeout,
		IdleTimeout:    o.idleTimeout,
		LookupFailure:  o.lookupFailure,
	}

	listenIP, err := r.LookupIPv4(ctx, o.listenHost)
	if err != nil {
		return domain.Config{}, fmt.Errorf("listen address: %w", err)
	}
	cfg.Listen = netip.AddrPortFrom(listenIP, o.listenPort)

	if o.bindHost != "" || o.bindPort != 0 {
		bindIP := netip.IPv4Unspecified()
		if o.bindHost != "" {
			if bindIP, err = r.LookupIPv4(ctx, o.bindHost); err != nil {
				return domain.Config{}, fmt.Errorf("bind address: %w", err)
			}
		}
		cfg.Bind = netip.AddrPortFrom(bindIP, o.bindPort)
	}
	return cfg, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return uint16(n), nil
}
