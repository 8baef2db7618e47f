package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petervdpas/peerchat/internal/chat"
	"github.com/petervdpas/peerchat/internal/config"
	"github.com/petervdpas/peerchat/internal/delivery"
	"github.com/petervdpas/peerchat/internal/negotiate"
	"github.com/petervdpas/peerchat/internal/relay"
)

var (
	_ negotiate.Relay       = (*relay.Client)(nil)
	_ delivery.MessageStore = (*relay.Client)(nil)
)

type PeerOptions struct {
	Dir     string
	CfgPath string
	Cfg     config.Config
	In      io.Reader
	Out     io.Writer
}

// RunPeer runs one chat peer with a line console on In/Out. It returns when
// ctx ends or the console quits.
func RunPeer(ctx context.Context, o PeerOptions) error {
	cfg := o.Cfg
	if err := cfg.ValidatePeer(); err != nil {
		return err
	}
	logBanner("peer", o.Dir, o.CfgPath)

	user := cfg.Identity.UserID
	client := relay.NewClient(cfg.Peer.RelayURL, user)

	factory, err := negotiate.NewPionFactory(cfg.Peer.ICEServers, cfg.Peer.IncludeLoopback, cfg.Peer.PionLogLevel)
	if err != nil {
		return fmt.Errorf("webrtc: %w", err)
	}

	history := chat.NewHistory(user, cfg.Peer.HistorySize)
	defer history.Close()

	pollInterval := time.Duration(cfg.Peer.PollIntervalMs) * time.Millisecond
	mgr := negotiate.NewManager(negotiate.Options{
		Local:             user,
		Relay:             client,
		Factory:           factory,
		Store:             client,
		History:           history,
		PollInterval:      pollInterval,
		AckTimeout:        cfg.Timing.AckTimeout(),
		RestartBackoff:    cfg.Timing.ICERestartBackoff(),
		HeartbeatInterval: cfg.Timing.HeartbeatInterval(),
		HeartbeatTimeout:  cfg.Timing.HeartbeatTimeout(),
	})
	defer mgr.Close()

	con := NewConsole(mgr, client, o.Out)
	log.Printf("💬 %s via %s (%s signaling)", user, cfg.Peer.RelayURL, cfg.Peer.SignalMode)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if cfg.Peer.SignalMode == "stream" {
			return streamSignals(gctx, client, mgr, pollInterval)
		}
		return mgr.Run(gctx)
	})
	g.Go(func() error {
		con.Watch(gctx)
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return con.Run(gctx, o.In)
	})
	return g.Wait()
}

// streamSignals keeps the WebSocket signal stream open. While it is down
// the mailbox is polled so nothing waits for the reconnect.
func streamSignals(ctx context.Context, client *relay.Client, mgr *negotiate.Manager, retry time.Duration) error {
	for {
		err := client.StreamSignals(ctx, mgr.Local(), mgr.Dispatch)
		if ctx.Err() != nil {
			return nil
		}
		log.Printf("PEER [%s]: signal stream lost: %v", mgr.Local(), err)
		if err := mgr.PollOnce(ctx); err != nil && ctx.Err() == nil {
			log.Printf("PEER [%s]: poll failed: %v", mgr.Local(), err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retry):
		}
	}
}
