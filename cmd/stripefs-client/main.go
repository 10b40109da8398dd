// Command stripefs-client mounts a striped filesystem backed by one
// or more stripefs-server nodes at a local mountpoint.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/stripefs/stripefs/lib/clock"
	"github.com/stripefs/stripefs/lib/config"
	"github.com/stripefs/stripefs/lib/diag"
	"github.com/stripefs/stripefs/lib/fsadapter"
	"github.com/stripefs/stripefs/lib/nodepool"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		mount      string
		localRoot  string
		servers    string
		logPath    string
		configPath string
		diagSocket string
		allowOther bool
	)

	flagSet := pflag.NewFlagSet("stripefs-client", pflag.ContinueOnError)
	// Unknown flags are accepted and ignored rather than rejected; they
	// are not passed on to the FUSE mount.
	flagSet.ParseErrorsWhitelist = pflag.ParseErrorsWhitelist{UnknownFlags: true}
	flagSet.StringVar(&mount, "mount", "", "FUSE mount point (required)")
	flagSet.StringVar(&localRoot, "local-root", "", "local directory used for metadata (required)")
	flagSet.StringVar(&servers, "servers", "", "comma-separated host:port list, in stripe order (required)")
	flagSet.StringVar(&logPath, "log", "", "write logs to this file (default: stderr)")
	flagSet.StringVar(&configPath, "config", "", "path to a stripefs YAML config file")
	flagSet.StringVar(&diagSocket, "diag-socket", "", "Unix socket path for the diagnostics listener (default: none)")
	flagSet.BoolVar(&allowOther, "allow-other", false, "allow other users to access the mount")
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
	if configPath == "" && (mount == "" || localRoot == "" || servers == "") {
		printUsage(flagSet)
		return fmt.Errorf("--mount, --local-root and --servers are required unless --config is given")
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.LoadFile(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}
	if mount != "" {
		cfg.Client.MountPoint = mount
	}
	if localRoot != "" {
		cfg.Client.LocalRoot = localRoot
	}
	if servers != "" {
		cfg.Client.Servers = splitServers(servers)
	}
	if logPath != "" {
		cfg.Client.LogFile = logPath
	}
	if diagSocket != "" {
		cfg.Client.DiagSocket = diagSocket
	}

	if err := cfg.ValidateClient(); err != nil {
		printUsage(flagSet)
		return err
	}

	logWriter := os.Stderr
	if cfg.Client.LogFile != "" {
		f, err := os.OpenFile(cfg.Client.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		defer f.Close()
		logWriter = f
	}
	logger := slog.New(slog.NewTextHandler(logWriter, nil))

	pool, err := nodepool.Dial(cfg.Client.Servers, logger)
	if err != nil {
		return fmt.Errorf("connecting to storage nodes: %w", err)
	}
	defer pool.Close()

	fuseServer, err := fsadapter.Mount(fsadapter.Options{
		Mountpoint: cfg.Client.MountPoint,
		LocalRoot:  cfg.Client.LocalRoot,
		Pool:       pool,
		AllowOther: allowOther,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("mounting filesystem: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Client.DiagSocket != "" {
		registry := diag.NewRegistry(clock.Real())
		diagSrv := &diag.Server{SocketPath: cfg.Client.DiagSocket, Registry: registry, Logger: logger}
		go diagSrv.Serve(ctx)
	}

	go func() {
		<-ctx.Done()
		logger.Info("unmounting", "mountpoint", cfg.Client.MountPoint)
		fuseServer.Unmount()
	}()

	fuseServer.Wait()
	return nil
}

func splitServers(s string) []string {
	parts := strings.Split(s, ",")
	servers := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			servers = append(servers, p)
		}
	}
	return servers
}

func printUsage(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "usage: stripefs-client --mount <dir> --local-root <dir> --servers host:port[,host:port...] [flags]\n\n")
	flagSet.PrintDefaults()
}
