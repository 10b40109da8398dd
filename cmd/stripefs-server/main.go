// Command stripefs-server runs one storage node: it accepts
// connections from stripefs-client mounts and persists striped chunks
// under a configured root directory.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/stripefs/stripefs/lib/clock"
	"github.com/stripefs/stripefs/lib/config"
	"github.com/stripefs/stripefs/lib/diag"
	"github.com/stripefs/stripefs/lib/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		port        int
		storageRoot string
		logPath     string
		configPath  string
		diagSocket  string
	)

	flagSet := pflag.NewFlagSet("stripefs-server", pflag.ContinueOnError)
	flagSet.IntVar(&port, "port", 0, "TCP port to listen on (required)")
	flagSet.StringVar(&storageRoot, "storage-root", "", "directory chunk files are written under (required)")
	flagSet.StringVar(&logPath, "log", "", "write logs to this file (default: stderr)")
	flagSet.StringVar(&configPath, "config", "", "path to a stripefs YAML config file")
	flagSet.StringVar(&diagSocket, "diag-socket", "", "Unix socket path for the diagnostics listener (default: none)")
	help := flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		printUsage(flagSet)
		return err
	}
	if *help {
		printUsage(flagSet)
		return nil
	}
	if configPath == "" && (port == 0 || storageRoot == "") {
		printUsage(flagSet)
		return fmt.Errorf("--port and --storage-root are required unless --config is given")
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.LoadFile(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if storageRoot != "" {
		cfg.Server.StorageRoot = storageRoot
	}
	if logPath != "" {
		cfg.Server.LogFile = logPath
	}
	if diagSocket != "" {
		cfg.Server.DiagSocket = diagSocket
	}

	if err := cfg.ValidateServer(); err != nil {
		printUsage(flagSet)
		return err
	}

	logWriter := os.Stderr
	if cfg.Server.LogFile != "" {
		f, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		defer f.Close()
		logWriter = f
	}
	logger := slog.New(slog.NewTextHandler(logWriter, nil))

	if err := os.MkdirAll(cfg.Server.StorageRoot, 0o755); err != nil {
		return fmt.Errorf("creating storage root: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listener, err := listenReusable(fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listening on port %d: %w", cfg.Server.Port, err)
	}

	registry := diag.NewRegistry(clock.Real())
	srv := &server.Server{
		Root:     cfg.Server.StorageRoot,
		Logger:   logger,
		Observer: registry,
	}

	errs := make(chan error, 2)
	go func() {
		errs <- srv.Serve(ctx, listener)
	}()

	if cfg.Server.DiagSocket != "" {
		diagSrv := &diag.Server{SocketPath: cfg.Server.DiagSocket, Registry: registry, Logger: logger}
		go func() {
			errs <- diagSrv.Serve(ctx)
		}()
	} else {
		errs <- nil
	}

	logger.Info("stripefs-server started", "port", cfg.Server.Port, "storage_root", cfg.Server.StorageRoot)

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// listenReusable listens on addr with SO_REUSEADDR set, matching the
// original storage daemon's socket option so a restarted server does
// not fail to bind while the previous listener's sockets drain
// TIME_WAIT.
func listenReusable(addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	return lc.Listen(context.Background(), "tcp", addr)
}

func printUsage(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "usage: stripefs-server --port <int> --storage-root <dir> [flags]\n\n")
	flagSet.PrintDefaults()
}
