// ABOUTME: Entry point for the kilo-gateway edge server
// ABOUTME: Subcommands: serve, init, bootstrap, health, ready

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"k8s.io/klog/v2"

	"github.com/2389/kilo-gateway/internal/config"
	"github.com/2389/kilo-gateway/internal/gateway"
)

// Version is set at build time.
var version = "dev"

const banner = `
  _    _ _                       _
 | | _(_) | ___     __ _  __ _| |_ _____      ____ _ _   _
 | |/ / | |/ _ \   / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
 |   <| | | (_) | | (_| | (_| | ||  __/\ V  V / (_| | |_| |
 |_|\_\_|_|\___/   \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                   |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: KILO_CONFIG env var > XDG_CONFIG_HOME/kilo/gateway.yaml > ~/.config/kilo/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("KILO_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "kilo", "gateway.yaml")
}

// getDataPath returns the kilo data directory.
// Priority: XDG_DATA_HOME/kilo > ~/.local/share/kilo
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "kilo")
}

func usage() {
	fmt.Println("Usage: kilo-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                    Start the gateway server")
	fmt.Println("  init                     Create a new config file interactively")
	fmt.Println("  bootstrap [--label L]    Issue the first admin token")
	fmt.Println("  health                   Check gateway liveness")
	fmt.Println("  ready                    Show backend readiness")
	fmt.Println("  version                  Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "bootstrap":
		err = runBootstrap(ctx, os.Args[2:])
	case "health":
		err = runProbe(ctx, "/health")
	case "ready":
		err = runProbe(ctx, "/health/ready")
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stdout)
	klog.SetSlogLogger(logger.With("component", "client-go"))

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Services:  %d\n", len(cfg.Services))
	if cfg.Fleet.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Fleet:     %s\n", cfg.Fleet.Namespace)
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting kilo-gateway",
		"version", version,
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// runProbe GETs path on the configured gateway address and prints the body.
func runProbe(ctx context.Context, path string) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	fmt.Print(string(body))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
