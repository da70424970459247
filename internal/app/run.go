// Package app assembles a running parley process from its config: the
// signal transport, the call manager, the ledger, and (for `parley relay`)
// the standalone signaling relay.
package app

import (
	"context"
	"fmt"
	"log"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/host"

	"github.com/petervdpas/parley/internal/call"
	"github.com/petervdpas/parley/internal/callstate"
	"github.com/petervdpas/parley/internal/config"
	"github.com/petervdpas/parley/internal/ledger"
	"github.com/petervdpas/parley/internal/signal"
	"github.com/petervdpas/parley/internal/upload"
	"github.com/petervdpas/parley/internal/util"
)

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config

	// RelayOnly runs only the signaling relay server.
	RelayOnly bool
}

func Run(ctx context.Context, opt Options) error {
	setLogLevel(opt.Cfg.Log.Level)

	if opt.RelayOnly {
		return runRelay(ctx, opt)
	}
	return runPeer(ctx, opt)
}

func setLogLevel(level string) {
	if level == "" {
		level = "info"
	}
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		log.Printf("APP: unknown log level %q, keeping current", level)
		return
	}
	logging.SetAllLoggers(lvl)
}

// runRelay starts the signaling relay and blocks until ctx is cancelled.
// relay.queue_cap and log.level are hot-reloaded from the config file.
func runRelay(ctx context.Context, o Options) error {
	srv := signal.NewRelayServer(o.Cfg.Relay.Bind, o.Cfg.Relay.QueueCap)
	if err := srv.Start(ctx); err != nil {
		return err
	}
	log.Printf("APP: relay listening on %s", srv.Addr())

	stop, err := config.Watch(o.CfgPath, func(next config.Config) {
		srv.SetQueueCap(next.Relay.QueueCap)
		setLogLevel(next.Log.Level)
		log.Printf("APP: config reloaded (queue_cap=%d, log=%s)", next.Relay.QueueCap, next.Log.Level)
	})
	if err != nil {
		log.Printf("APP: config hot reload unavailable: %v", err)
	} else {
		defer stop()
	}

	<-ctx.Done()
	log.Println("APP: relay shutting down")
	return nil
}

// runPeer wires a full call peer and blocks until ctx is cancelled.
func runPeer(ctx context.Context, o Options) error {
	cfg := o.Cfg
	selfID := cfg.Identity.UserID

	// ── Signal transport
	var (
		transport signal.Transport
		p2pHost   host.Host
	)
	switch cfg.Transport.Mode {
	case "relay":
		client, err := signal.DialRelay(ctx, cfg.Transport.RelayURL, selfID)
		if err != nil {
			return fmt.Errorf("connect to relay: %w", err)
		}
		defer client.Close()
		transport = client
		log.Printf("APP: signaling via relay %s", cfg.Transport.RelayURL)

	case "p2p":
		keyFile := util.ResolvePath(o.PeerDir, cfg.Identity.KeyFile)
		h, ps, err := signal.NewP2PHost(ctx, cfg.Transport.ListenPort, keyFile)
		if err != nil {
			return fmt.Errorf("start libp2p host: %w", err)
		}
		p2pHost = h
		defer h.Close()
		transport = signal.NewPubSub(ps, selfID)
		log.Printf("APP: signaling via gossipsub, peer %s", h.ID())

	case "memory":
		transport = signal.NewMemory()
		log.Println("APP: signaling in-memory (single process)")

	default:
		return fmt.Errorf("unknown transport mode %q", cfg.Transport.Mode)
	}

	// ── Ledger + recording storage
	lgr, err := ledger.Open(o.PeerDir)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer lgr.Close()

	var uploader upload.Uploader
	switch {
	case cfg.Recording.S3URI != "":
		u, err := upload.NewS3Uploader(ctx, cfg.Recording.S3URI, cfg.Recording.S3Region)
		if err != nil {
			return fmt.Errorf("recording uploader: %w", err)
		}
		uploader = u
		log.Printf("APP: recordings go to %s", cfg.Recording.S3URI)
	case cfg.Recording.Dir != "":
		uploader = &upload.DirUploader{Dir: util.ResolvePath(o.PeerDir, cfg.Recording.Dir)}
	default:
		log.Println("APP: recording persistence disabled")
	}

	// ── Call manager
	invites := callstate.NewInviteBox()
	mgr, err := call.New(call.Config{
		SelfID:    selfID,
		Transport: transport,
		Store:     callstate.NewMemoryStore(),
		Invites:   invites,
		Keeper:    ledger.NewKeeper(lgr, uploader),
		ICE: call.ICEConfig{
			STUNURLs:     cfg.Media.STUNURLs,
			TURNURL:      cfg.Media.TURNURL,
			TURNUsername: cfg.Media.TURNUsername,
			TURNPassword: cfg.Media.TURNPassword,
		},
		Hooks: call.Hooks{
			OnActive: func(callID string, startedAt int64) {
				log.Printf("APP: call %s active since %s", callID, time.UnixMilli(startedAt).Format(time.RFC3339))
			},
			OnEnded: func(callID string, status callstate.Status) {
				log.Printf("APP: call %s finished (%s)", callID, status)
			},
			OnError: func(callID string, err error) {
				log.Printf("APP: call %s error: %v", callID, err)
			},
		},
	})
	if err != nil {
		return err
	}
	defer mgr.Close()

	mgr.OnIncoming(func(ic *call.IncomingCall) {
		log.Printf("APP: incoming %s call %s from %s", ic.Call.Kind, ic.Call.ID, ic.Call.CallerID)
		if !cfg.Calls.AutoAccept {
			return
		}
		go func() {
			if _, err := ic.Accept(ctx); err != nil {
				log.Printf("APP: auto-accept of %s failed: %v", ic.Call.ID, err)
			}
		}()
	})

	if p2pHost != nil {
		for _, a := range p2pHost.Addrs() {
			log.Printf("APP: listening on %s/p2p/%s", a, p2pHost.ID())
		}
	}
	log.Printf("APP: peer %q ready", selfID)

	<-ctx.Done()
	log.Println("APP: peer shutting down")
	return nil
}
