package main

import (
	"flag"
	"log"
	"net/http"

	"github.com/hulisang/warp-pool/internal/config"
	"github.com/hulisang/warp-pool/internal/db"
	"github.com/hulisang/warp-pool/internal/httpapi"
	"github.com/hulisang/warp-pool/internal/pool"
	"github.com/hulisang/warp-pool/internal/store"
	"github.com/hulisang/warp-pool/internal/version"
	"github.com/hulisang/warp-pool/internal/warp"
)

func main() {
	configPath := flag.String("config", "", "path to pool.yaml (defaults to $POOL_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.FirebaseAPIKey == "" {
		log.Fatal("Firebase API key is required (firebase_api_key or WARP_FIREBASE_API_KEY)")
	}

	database, err := db.InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	accountStore := store.New(database)
	leases := pool.NewManager(accountStore)

	var warpOpts []warp.Option
	if cfg.ProxyURL != "" {
		log.Printf("🌐 Using proxy: %s", cfg.ProxyURL)
		warpOpts = append(warpOpts, warp.WithProxy(cfg.ProxyURL))
	}
	warpClient := warp.NewClient(cfg.FirebaseAPIKey, warpOpts...)

	p := pool.New(accountStore, leases, warpClient, warpClient)

	daemon := pool.NewDaemon(accountStore, leases, warpClient, pool.DaemonConfig{
		Interval:           cfg.MaintenanceInterval,
		RefreshLead:        cfg.RefreshLead,
		MinRefreshInterval: cfg.MinRefreshInterval,
		CallTimeout:        cfg.UpstreamTimeout,
		MaxAttempts:        cfg.RefreshAttempts,
	})
	daemon.Start()
	defer daemon.Stop()

	router := httpapi.NewRouter(p, cfg.SessionDuration)

	log.Printf("🚀 Warp account pool %s starting on http://%s", version.Version, cfg.Addr())
	log.Printf("📁 Database: %s", cfg.DBPath)
	if err := http.ListenAndServe(cfg.Addr(), router); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
