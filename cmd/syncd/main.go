package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"audioplayer/syncd/internal/composition/daemonruntime"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to syncd.yaml (optional)")
	dataDir := flag.String("data-dir", "", "Directory for local sync data (optional)")
	npub := flag.String("npub", "", "Account identifier to sync (optional)")
	secret := flag.String("secret", "", "Secondary sync secret (optional)")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus listen address (optional)")
	rpcAddr := flag.String("rpc-addr", "", "Local RPC listen address (optional)")
	flag.Parse()
	if *showVersion {
		fmt.Printf("syncd version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := daemonruntime.Build(daemonruntime.Options{
		ConfigPath:  *configPath,
		DataDir:     *dataDir,
		MetricsAddr: *metricsAddr,
		RPCAddr:     *rpcAddr,
		Npub:        *npub,
		Secret:      *secret,
	})
	if err != nil {
		log.Fatalf("syncd failed to initialize: %v", err)
	}

	log.Println("syncd starting")
	if err := rt.Run(ctx); err != nil {
		log.Fatalf("syncd failed: %v", err)
	}
	log.Println("syncd stopped")
}
