// swarmd is the runtime's server process: it loads a server_config file,
// takes the lock file spec.md §6 requires, seeds the env store, brings
// up a swarm.Server, cluster membership (once a cluster DSN is
// configured) and the admin HTTP surface, then blocks until interrupted.
//
// Usage:
//
//	swarmd [sid]
//
// sid is the single positional argument spec.md's CLI surface names,
// defaulting to 1. Exit codes: 0 on a clean stop, -1 on startup failure
// (lock file, config, or service creation).
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/pflag"

	"github.com/kilnhq/swarm"
	"github.com/kilnhq/swarm/clusterd"
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	flags := pflag.NewFlagSet("swarmd", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "path to a YAML server config file")
	flags.BoolP("help", "h", false, "show help and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return -1
	}
	if help, _ := flags.GetBool("help"); help {
		fmt.Fprintln(os.Stderr, "usage: swarmd [flags] [sid]")
		flags.PrintDefaults()
		return 0
	}

	sid := 1
	if args := flags.Args(); len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "swarmd: invalid sid %q: %v\n", args[0], err)
			return -1
		}
		sid = n
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return -1
	}

	lockPath, err := acquireLock(sid)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return -1
	}
	defer os.Remove(lockPath)

	logWriter := io.Writer(os.Stderr)
	var logPath string
	if cfg.LogArchiveDir != "" {
		if err := os.MkdirAll(cfg.LogArchiveDir, 0o755); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return -1
		}
		logPath = filepath.Join(cfg.LogArchiveDir, fmt.Sprintf("%d.log", sid))
		logFile, err := os.Create(logPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return -1
		}
		defer func() {
			logFile.Close()
			if err := archiveLog(logPath); err != nil {
				fmt.Fprintln(os.Stderr, "swarmd: log archive:", err)
			}
		}()
		logWriter = io.MultiWriter(os.Stderr, logFile)
	}
	logger := slog.New(slog.NewJSONHandler(logWriter, &slog.HandlerOptions{Level: slog.LevelInfo}))

	server := swarm.NewServer(
		swarm.WithWorkers(cfg.Workers),
		swarm.WithLogger(logger),
		swarm.WithEnv("sid", strconv.Itoa(sid)),
		swarm.WithEnv("name", cfg.Name),
		swarm.WithEnv("inner_host", cfg.InnerHost),
		swarm.WithEnv("outer_host", cfg.OuterHost),
		swarm.WithEnv("server_config", configPath),
	)
	server.RegisterHandler("echo", newEchoHandler(server, logger))
	server.Start()

	var db *sql.DB
	var node *clusterd.Node
	if cfg.ClusterDSN != "" {
		db, err = sql.Open("pgx", cfg.ClusterDSN)
		if err != nil {
			fmt.Fprintln(os.Stderr, "swarmd: open cluster db:", err)
			server.Stop(-1)
			return -1
		}
		hostID := cfg.Name
		if hostID == "" || hostID == "swarmd" {
			hostID = "swarmd-" + uuid.NewString()
		}
		cluster := clusterd.NewCluster(db, clusterd.ClusterConfig{
			HostID:  hostID,
			Address: cfg.TransportAddr,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		startErr := cluster.Start(ctx)
		cancel()
		if startErr != nil {
			fmt.Fprintln(os.Stderr, "swarmd: cluster start:", startErr)
			server.Stop(-1)
			db.Close()
			return -1
		}
		node = clusterd.NewNode(server, cluster, clusterd.NodeConfig{})
	} else {
		node = clusterd.NewNode(server, nil, clusterd.NodeConfig{})
	}

	adminAddr, err := node.StartAdmin(cfg.AdminAddr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "swarmd: admin server:", err)
		node.Stop(-1)
		return -1
	}
	logger.Info("swarmd started", "sid", sid, "admin_addr", adminAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info("swarmd shutting down")
	node.Stop(0)
	if db != nil {
		db.Close()
	}
	return 0
}
