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

	"github.com/nearbychat/nearby/internal/app"
	"github.com/nearbychat/nearby/internal/config"
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
		fmt.Printf("nearby v%s\n", appVersion)
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
			fmt.Fprintln(os.Stderr, "Usage: nearby peer <peer-directory>")
			os.Exit(1)
		}
		runPeer(args[1])

	case "init":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: init command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: nearby init <peer-directory>")
			os.Exit(1)
		}
		runInit(args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runPeer(peerDirArg string) {
	absDir, err := filepath.Abs(peerDirArg)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Peer directory does not exist: %s", absDir)
	}

	cfgPath := filepath.Join(absDir, "nearby.json")
	cfg, createdNew, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if createdNew {
		log.Printf("Created default config: %s", cfgPath)
	}

	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		PeerDir:     absDir,
		CfgPath:     cfgPath,
		Cfg:         cfg,
		Interactive: true,
	}); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
}

func runInit(peerDirArg string) {
	absDir, err := filepath.Abs(peerDirArg)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0755); err != nil {
		log.Fatalf("Failed to create peer directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "nearby.json")
	_, createdNew, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to write config: %v", err)
	}
	if createdNew {
		fmt.Printf("Created %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}
}

func printBanner(dir, cfgPath string, cfg config.Config) {
	log.Println("────────────────────────────────────────────────────────")
	log.Printf("nearby v%s", appVersion)
	log.Printf("Peer directory: %s", dir)
	log.Printf("Config:         %s", cfgPath)
	log.Printf("Display name:   %s", cfg.Profile.DisplayName)
	if cfg.Feed.HTTPAddr != "" {
		log.Printf("Observer feed:  ws://%s/ws", cfg.Feed.HTTPAddr)
	}
	log.Println("────────────────────────────────────────────────────────")
}

func showUsage() {
	fmt.Println("nearby - local peer-to-peer chat")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  nearby peer <directory>    Run a peer from the specified directory")
	fmt.Println("  nearby init <directory>    Create a directory with a default config")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  peer <directory>")
	fmt.Println("        Run a peer. The directory holds nearby.json plus the")
	fmt.Println("        identity files and database under data/")
	fmt.Println()
	fmt.Println("  init <directory>")
	fmt.Println("        Create the directory and write a default nearby.json")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version")
}
