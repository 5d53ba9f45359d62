// ABOUTME: First-run commands: interactive config generation and admin token bootstrap
// ABOUTME: Bootstrap writes straight to the store and refuses once any token exists

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"

	"github.com/2389/kilo-gateway/internal/config"
	"github.com/2389/kilo-gateway/internal/store"
)

const bootstrapActor = "cli:bootstrap"

// runBootstrap issues the first admin token and saves it next to the config
// so kilo-admin can pick it up.
func runBootstrap(ctx context.Context, args []string) error {
	label := "bootstrap"
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--label" || arg == "-l":
			if i+1 >= len(args) {
				return errors.New("--label requires a value")
			}
			label = args[i+1]
			i++
		case strings.HasPrefix(arg, "--label="):
			label = strings.TrimPrefix(arg, "--label=")
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}
	label = strings.TrimSpace(label)
	if len(label) > 128 {
		return errors.New("label exceeds maximum length of 128 characters")
	}

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	tok, plain, err := s.CreateFirstAdminToken(ctx, label)
	if errors.Is(err, store.ErrTokensExist) {
		return errors.New("bootstrap already complete: admin tokens exist (use kilo-admin token create)")
	}
	if err != nil {
		return fmt.Errorf("creating admin token: %w", err)
	}

	if err := s.AppendAuditLog(ctx, &store.AuditEntry{
		Actor:      bootstrapActor,
		Action:     store.AuditCreateToken,
		TargetType: "admin_token",
		TargetID:   tok.ID,
		Detail:     map[string]any{"label": tok.Label},
	}); err != nil {
		return fmt.Errorf("writing audit entry: %w", err)
	}

	tokenPath := filepath.Join(filepath.Dir(configPath), "token")
	if err := os.WriteFile(tokenPath, []byte(plain), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	green.Printf("  ✓ Database: %s\n", cfg.Database.Path)
	green.Printf("  ✓ Saved token: %s\n", tokenPath)
	fmt.Println()
	cyan.Println("  Admin Token")
	cyan.Println("  -----------")
	fmt.Printf("  ID:    %s\n", tok.ID)
	fmt.Printf("  Label: %s\n", tok.Label)
	fmt.Println()
	yellow.Println("  The token is shown only in the file above. Keep it secret.")
	fmt.Println("    kilo-gateway serve     # start the gateway")
	fmt.Println("    kilo-admin status      # verify the token")
	fmt.Println()
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("kilo-gateway configuration setup")
	fmt.Println("================================")
	fmt.Println()

	defaultDbPath := filepath.Join(getDataPath(), "gateway.db")

	outputFile := prompt(reader, "Config file path", getConfigPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "0.0.0.0:8000")

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	fmt.Println("\n--- Services ---")
	fmt.Println("Enter one service per line as name=url. Leave empty to finish.")
	services := map[string]string{}
	var order []string
	for {
		line := prompt(reader, "Service", "")
		if line == "" {
			break
		}
		name, url, ok := strings.Cut(line, "=")
		name, url = strings.TrimSpace(name), strings.TrimSpace(url)
		if !ok || name == "" || url == "" {
			fmt.Println("  expected name=url")
			continue
		}
		if _, dup := services[name]; !dup {
			order = append(order, name)
		}
		services[name] = url
	}
	if len(services) == 0 {
		return errors.New("at least one service is required")
	}

	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := yes(prompt(reader, "Enable Tailscale?", "no"))
	var tsHostname, tsAuthKey string
	var tsEphemeral, tsFunnel bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "kilo-gateway")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		tsEphemeral = yes(prompt(reader, "Ephemeral node?", "no"))
		tsFunnel = yes(prompt(reader, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Println("\n--- Fleet Controller ---")
	fleetEnabled := yes(prompt(reader, "Watch Kubernetes pods?", "no"))
	namespace := "kilo-guardian"
	if fleetEnabled {
		namespace = prompt(reader, "Namespace", namespace)
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	adminKey, err := randomSecret()
	if err != nil {
		return err
	}

	var cfg strings.Builder
	cfg.WriteString("# kilo-gateway configuration\n")
	cfg.WriteString("# Generated by kilo-gateway init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  http_addr: %q\n\n", httpAddr)

	cfg.WriteString("database:\n")
	fmt.Fprintf(&cfg, "  path: %q\n\n", dbPath)

	cfg.WriteString("auth:\n")
	fmt.Fprintf(&cfg, "  admin_token: %q\n\n", adminKey)

	cfg.WriteString("tailscale:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", tailscaleEnabled)
	if tailscaleEnabled {
		fmt.Fprintf(&cfg, "  hostname: %q\n", tsHostname)
		if tsAuthKey != "" {
			fmt.Fprintf(&cfg, "  auth_key: %q\n", tsAuthKey)
		}
		fmt.Fprintf(&cfg, "  ephemeral: %t\n", tsEphemeral)
		fmt.Fprintf(&cfg, "  funnel: %t\n", tsFunnel)
	}
	cfg.WriteString("\n")

	cfg.WriteString("services:\n")
	for _, name := range order {
		fmt.Fprintf(&cfg, "  %s:\n    base_url: %q\n", name, services[name])
	}
	cfg.WriteString("\n")

	cfg.WriteString("prober:\n  interval: \"15s\"\n  timeout: \"3s\"\n\n")

	cfg.WriteString("fleet:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", fleetEnabled)
	fmt.Fprintf(&cfg, "  namespace: %q\n", namespace)
	cfg.WriteString("  restart_threshold: 5\n  window: \"10m\"\n\n")

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", logLevel)
	fmt.Fprintf(&cfg, "  format: %q\n\n", logFormat)

	cfg.WriteString("metrics:\n  enabled: true\n  path: \"/metrics\"\n")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Println("  kilo-gateway serve")
	return nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating admin key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func yes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}
