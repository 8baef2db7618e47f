// main.go
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/petervdpas/peerchat/internal/app"
	"github.com/petervdpas/peerchat/internal/config"
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

const configFile = "peerchat.json"

func main() {
	flags := pflag.NewFlagSet("peerchat", pflag.ContinueOnError)
	showHelp := flags.BoolP("help", "h", false, "Show help")
	version := flags.Bool("version", false, "Show version")
	userID := flags.String("user", "", "Override identity.user_id (peer)")
	relayURL := flags.String("relay", "", "Override peer.relay_url (peer)")
	stream := flags.Bool("stream", false, "Receive signals over the WebSocket stream (peer)")
	port := flags.Int("port", 0, "Override relay.port (relay)")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			showUsage(flags)
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	if *version {
		fmt.Printf("peerchat v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage(flags)
		return
	}

	args := flags.Args()
	if len(args) < 2 {
		showUsage(flags)
		os.Exit(1)
	}

	dir, cfgPath, cfg, created := loadDir(args[1])

	switch args[0] {
	case "relay":
		if *port != 0 {
			cfg.Relay.Port = *port
		}
		printBanner("Relay", dir, cfgPath)
		run(func(ctx context.Context) error {
			return app.RunRelay(ctx, app.RelayOptions{Dir: dir, CfgPath: cfgPath, Cfg: cfg})
		})

	case "peer":
		if *userID != "" {
			cfg.Identity.UserID = *userID
		}
		if *relayURL != "" {
			cfg.Peer.RelayURL = *relayURL
		}
		if *stream {
			cfg.Peer.SignalMode = "stream"
		}
		if created || cfg.Identity.UserID == "" {
			next, err := app.PromptPeer(os.Stdin, os.Stdout, cfgPath, cfg)
			if err != nil {
				log.Fatalf("Setup failed: %v", err)
			}
			if err := config.Save(cfgPath, next); err != nil {
				log.Fatalf("Failed to save config: %v", err)
			}
			cfg = next
		}
		printBanner("Peer "+cfg.Identity.UserID, dir, cfgPath)
		run(func(ctx context.Context) error {
			return app.RunPeer(ctx, app.PeerOptions{
				Dir:     dir,
				CfgPath: cfgPath,
				Cfg:     cfg,
				In:      os.Stdin,
				Out:     os.Stdout,
			})
		})

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage(flags)
		os.Exit(1)
	}
}

func loadDir(dirArg string) (dir, cfgPath string, cfg config.Config, created bool) {
	dir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}
	if stat, err := os.Stat(dir); err != nil || !stat.IsDir() {
		log.Fatalf("Directory does not exist: %s", dir)
	}

	cfgPath = filepath.Join(dir, configFile)
	cfg, created, err = config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return dir, cfgPath, cfg, created
}

// run executes fn with a context cancelled on SIGINT/SIGTERM.
func run(fn func(ctx context.Context) error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := fn(ctx); err != nil {
		log.Fatalf("Failed: %v", err)
	}
}

func showUsage(flags *pflag.FlagSet) {
	fmt.Println("peerchat - direct peer-to-peer chat")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  peerchat relay <directory>   Run the signaling relay")
	fmt.Println("  peerchat peer <directory>    Run a chat peer with a console")
	fmt.Println()
	fmt.Println("Each directory holds its own " + configFile + "; a default one is")
	fmt.Println("created on first run.")
	fmt.Println()
	fmt.Println("Options:")
	flags.SetOutput(os.Stdout)
	flags.PrintDefaults()
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  peerchat relay ./relay")
	fmt.Println("  peerchat peer ./alice --user alice")
	fmt.Println("  peerchat peer ./bob --user bob --stream")
}

func printBanner(role, dir, cfgPath string) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                       peerchat                         ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Role:           %s\n", role)
	fmt.Printf("Directory:      %s\n", dir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	fmt.Println()
	fmt.Println("Starting... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
