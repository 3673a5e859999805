package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/databroker/fship/backend"
	"github.com/databroker/fship/internal/interfaces"
	"github.com/databroker/fship/internal/logging"
	"github.com/databroker/fship/internal/nsmetrics"
	"github.com/databroker/fship/internal/server"
)

func main() {
	var (
		daemon    = flag.Bool("d", false, "daemonize")
		listenURL = flag.String("l", "", "listen URL (default localhost:11211)")
		maxMemMB  = flag.Int("M", 0, "total send+receive buffer budget in MiB")
		redisAddr = flag.String("redis", "", "dial this address as the backend instead of the in-memory one")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: fship_srv [-d] [-l url] [-M mb] [-redis addr]\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() > 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg := server.DefaultConfig()
	cfg.Daemon = *daemon
	if *listenURL != "" {
		cfg.ListenURL = *listenURL
	}
	if *maxMemMB != 0 {
		cfg.MaxMemMB = *maxMemMB
	}

	logger := logging.Default().With("component", "fship_srv")

	if cfg.Daemon {
		if err := daemonize(); err != nil {
			logger.Errorf("daemonize failed: %v", err)
			os.Exit(1)
		}
	}

	be, err := openBackend(*redisAddr)
	if err != nil {
		logger.Errorf("backend init failed: %v", err)
		os.Exit(1)
	}

	registry := nsmetrics.NewRegistry()
	var obs interfaces.Observer = registry.Observer("_server")

	srv := server.New(cfg, be, obs)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Infof("received shutdown signal")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Errorf("shutdown: %v", err)
		}
		os.Exit(0)
	}()

	if err := srv.ListenAndServe(); err != nil {
		logger.Errorf("listen: %v", err)
		os.Exit(1)
	}
}

// openBackend wires -redis to RedisBackend and its absence to MemBackend,
// the only two backend.Backend implementations this repository ships.
func openBackend(redisAddr string) (interfaces.Backend, error) {
	if redisAddr == "" {
		return backend.NewMemBackend(), nil
	}
	return backend.DialRedisBackend(redisAddr, 5*time.Second)
}

// daemonize forks and lets the parent exit, honoring a boolean -d flag
// rather than a process-manager integration.
func daemonize() error {
	if os.Getppid() == 1 {
		return nil // already reparented to init, this is the child
	}
	execPath, err := os.Executable()
	if err != nil {
		return err
	}
	args := os.Args[1:]
	attr := &os.ProcAttr{
		Dir:   ".",
		Env:   os.Environ(),
		Files: []*os.File{nil, nil, nil},
	}
	proc, err := os.StartProcess(execPath, append([]string{execPath}, args...), attr)
	if err != nil {
		return err
	}
	_ = proc.Release()
	os.Exit(0)
	return nil
}
