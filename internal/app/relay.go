package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/petervdpas/peerchat/internal/config"
	"github.com/petervdpas/peerchat/internal/relay"
	"github.com/petervdpas/peerchat/internal/storage"
	"github.com/petervdpas/peerchat/internal/util"
)

type RelayOptions struct {
	Dir     string
	CfgPath string
	Cfg     config.Config
}

// RunRelay serves the relay until ctx ends. Admin password and rate limit
// are reloaded when the config file changes.
func RunRelay(ctx context.Context, o RelayOptions) error {
	cfg := o.Cfg
	if err := cfg.ValidateRelay(); err != nil {
		return err
	}
	logBanner("relay", o.Dir, o.CfgPath)

	store, err := openStore(o.Dir, cfg.Relay)
	if err != nil {
		return err
	}
	defer store.Close()

	rc := cfg.Relay
	srv := relay.New(relay.Options{
		Addr:            rc.Addr(),
		Store:           store,
		SignalTTL:       time.Duration(rc.SignalTTLSec) * time.Second,
		MessageTTL:      time.Duration(rc.MessageTTLHours) * time.Hour,
		OnlineThreshold: time.Duration(rc.OnlineThresholdSec) * time.Second,
		AdminPassword:   rc.AdminPassword,
		RateLimit:       rc.RateLimitPerMin,
	})

	srvCtx, stop := context.WithCancel(ctx)
	defer stop()
	if err := srv.Start(srvCtx); err != nil {
		return fmt.Errorf("start relay: %w", err)
	}
	log.Printf("🌐 Relay: %s", srv.URL())
	if rc.AdminPassword != "" {
		log.Printf("📊 Logs: %s/logs.json (user admin)", srv.URL())
	}

	if o.CfgPath != "" {
		err := config.Watch(srvCtx, o.CfgPath, (*config.Config).ValidateRelay, func(c config.Config) {
			applyRelayReload(srv, c.Relay)
		})
		if err != nil {
			log.Printf("RELAY: config watch disabled: %v", err)
		}
	}

	<-ctx.Done()
	stop()
	// Let Shutdown finish in-flight requests before the store closes.
	time.Sleep(100 * time.Millisecond)
	return nil
}

type relayReloader interface {
	SetAdminPassword(string)
	SetRateLimit(int)
}

func applyRelayReload(srv relayReloader, rc config.Relay) {
	srv.SetAdminPassword(rc.AdminPassword)
	srv.SetRateLimit(rc.RateLimitPerMin)
	log.Printf("RELAY: config reloaded (rate limit %d/min, admin %v)", rc.RateLimitPerMin, rc.AdminPassword != "")
}

func openStore(dir string, rc config.Relay) (storage.Store, error) {
	switch rc.Store {
	case "memory":
		log.Printf("RELAY: using in-memory store; contacts are disabled")
		return storage.NewMemory(), nil
	default:
		path := util.ResolvePath(dir, rc.DBPath)
		db, err := storage.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open relay db: %w", err)
		}
		log.Printf("RELAY: sqlite store %s", path)
		return db, nil
	}
}
