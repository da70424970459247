// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/parley/internal/app"
	"github.com/petervdpas/parley/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Parley v%s\n", appVersion)
		return
	}

	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		return
	}

	command := args[0]

	switch command {
	case "peer":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: peer command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: parley peer <peer-directory>")
			os.Exit(1)
		}
		runPeer(args[1])

	case "relay":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: relay command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: parley relay <peer-directory>")
			os.Exit(1)
		}
		runRelay(args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runPeer(dirArg string) {
	absDir, cfgPath, cfg := mustLoad(dirArg, false)
	printBanner(absDir, cfgPath, cfg, false)
	runApp(app.Options{PeerDir: absDir, CfgPath: cfgPath, Cfg: cfg})
}

func runRelay(dirArg string) {
	absDir, cfgPath, cfg := mustLoad(dirArg, true)
	printBanner(absDir, cfgPath, cfg, true)
	runApp(app.Options{PeerDir: absDir, CfgPath: cfgPath, Cfg: cfg, RelayOnly: true})
}

// mustLoad resolves the peer directory and loads its config. The relay does
// not need an identity, so it tolerates a config that fails full validation.
func mustLoad(dirArg string, relayOnly bool) (absDir, cfgPath string, cfg config.Config) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Peer directory does not exist: %s", absDir)
	}

	cfgPath = filepath.Join(absDir, "parley.json")
	if relayOnly {
		cfg, _, err = config.Ensure(cfgPath)
		if err != nil {
			// A relay config without user_id is fine.
			cfg, err = config.LoadPartial(cfgPath)
		}
	} else {
		cfg, err = config.Load(cfgPath)
	}
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return absDir, cfgPath, cfg
}

func runApp(opt app.Options) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, opt); err != nil {
		log.Fatalf("Parley failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("Parley - peer-to-peer voice and video calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  parley peer <directory>    Run a call peer")
	fmt.Println("  parley relay <directory>   Run a signaling relay server")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  peer <directory>")
	fmt.Println("        Run a peer from the specified directory")
	fmt.Println("        The directory must contain a parley.json configuration file")
	fmt.Println()
	fmt.Println("  relay <directory>")
	fmt.Println("        Run the websocket signaling relay")
	fmt.Println("        A default parley.json is created if none exists")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Run a peer")
	fmt.Println("  parley peer ./peers/alice")
	fmt.Println()
	fmt.Println("  # Run the signaling relay")
	fmt.Println("  parley relay ./peers/relay")
}

func printBanner(peerDir, cfgPath string, cfg config.Config, relayOnly bool) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                     Parley Runner                      ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Peer Directory: %s\n", peerDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	if relayOnly {
		fmt.Printf("Mode:           Relay (%s)\n", cfg.Relay.Bind)
	} else {
		fmt.Printf("User ID:        %s\n", cfg.Identity.UserID)
		fmt.Printf("Transport:      %s\n", cfg.Transport.Mode)
		if cfg.Calls.AutoAccept {
			fmt.Println("Auto-accept:    enabled")
		}
	}
	fmt.Println()
	fmt.Println("Starting... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
