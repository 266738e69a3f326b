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

	"github.com/petervdpas/voxlink/internal/app"
	"github.com/petervdpas/voxlink/internal/config"
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
		fmt.Printf("voxlink v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "peer":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: peer command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: voxlink peer <peer-directory>")
			os.Exit(1)
		}
		runPeer(args[1])

	case "relay":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: relay command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: voxlink relay <peer-directory>")
			os.Exit(1)
		}
		runRelay(args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runPeer(dirArg string) {
	absDir, cfgPath, cfg := setup(dirArg)
	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.Run(ctx, app.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
}

func runRelay(dirArg string) {
	absDir, cfgPath, cfg := setup(dirArg)
	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.RunRelay(ctx, app.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Relay failed: %v", err)
	}
}

// setup resolves the peer directory and loads (or creates) its config.
func setup(dirArg string) (absDir, cfgPath string, cfg config.Config) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0755); err != nil {
		log.Fatalf("Create peer directory: %v", err)
	}

	cfgPath = filepath.Join(absDir, "voxlink.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Created default config at %s", cfgPath)
	}
	return absDir, cfgPath, cfg
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	return ctx, cancel
}

func showUsage() {
	fmt.Println("voxlink - peer-to-peer voice calls for game sessions")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  voxlink peer <directory>    Run a voice peer")
	fmt.Println("  voxlink relay <directory>   Run a websocket signaling relay")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  peer <directory>")
	fmt.Println("        Run an interactive voice peer from the specified directory.")
	fmt.Println("        A voxlink.json configuration file is created on first run.")
	fmt.Println()
	fmt.Println("  relay <directory>")
	fmt.Println("        Run the signaling relay server (for peers with")
	fmt.Println("        signaling.transport set to \"relay\")")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Run a peer")
	fmt.Println("  voxlink peer ./peers/alice")
	fmt.Println()
	fmt.Println("  # Run the relay")
	fmt.Println("  voxlink relay ./peers/relay")
}

func printBanner(peerDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║  voxlink  ·  voice calls over p2p signaling            ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Printf("  Peer dir:   %s\n", peerDir)
	fmt.Printf("  Config:     %s\n", cfgPath)
	fmt.Printf("  Identity:   %s\n", cfg.Identity.ParticipantID)
	fmt.Printf("  Transport:  %s\n", cfg.Signaling.Transport)
	fmt.Println()
}
