// Command server runs the keyspace server: listener, command registry,
// RDB/AOF persistence and leader/follower replication wired per
// internal/server. Kept on the standard library flag package (a flat
// list of flags, no subcommands) rather than a CLI framework.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"goredis-core/internal/config"
	"goredis-core/internal/server"
)

func main() {
	port := flag.Int("port", 0, "listening port (overrides config)")
	flag.IntVar(port, "p", 0, "listening port (shorthand)")
	replicaOf := flag.String("replicaof", "", "host:port of a leader to follow (overrides config)")
	rdbPath := flag.String("rdb-path", "", "snapshot file location (overrides config)")
	customConfig := flag.String("config", "custom.toml", "path to an optional config overlay")
	defaultConfig := flag.String("default-config", "default.toml", "path to the base config file")
	flag.Parse()

	cfg, err := config.Load(*defaultConfig, *customConfig)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *replicaOf != "" {
		cfg.Replication.ReplicaOf = *replicaOf
	}
	if *rdbPath != "" {
		cfg.RDB.FilePath = *rdbPath
	}

	srv, err := server.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
		srv.Shutdown()
	}()

	if err := srv.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(1)
	}
}
