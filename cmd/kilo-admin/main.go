// ABOUTME: Operator CLI for kilo-gateway health, fleet actions, and admin tokens
// ABOUTME: Talks to the gateway's /admin HTTP API with an admin token

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
)

const banner = `
  _    _ _                     _           _
 | | _(_) | ___     __ _  __| |_ __ ___ (_)_ __
 | |/ / | |/ _ \   / _' |/ _' | '_ ' _ \| | '_ \
 |   <| | | (_) | | (_| | (_| | | | | | | | | | |
 |_|\_\_|_|\___/   \__,_|\__,_|_| |_| |_|_|_| |_|
`

const defaultGatewayURL = "http://localhost:8000"

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	baseURL := os.Getenv("KILO_GATEWAY_URL")
	if baseURL == "" {
		baseURL = defaultGatewayURL
	}
	c, err := newAdminClient(baseURL, getToken())
	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}

	if err := run(ctx, c, os.Stdout, os.Args[1], os.Args[2:]); err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

var errUnknownCommand = errors.New("unknown command")

// run dispatches one CLI command.
func run(ctx context.Context, c *adminClient, out io.Writer, cmd string, args []string) error {
	e := &env{c: c, out: out}
	switch cmd {
	case "status":
		return e.status(ctx)
	case "services":
		return e.services(ctx)
	case "metrics":
		return e.metricsSummary(ctx)
	case "pods":
		return e.pods(ctx)
	case "nodes":
		return e.nodes(ctx)
	case "cronjobs":
		return e.cronJobs(ctx)
	case "alerts":
		return e.alerts(ctx, args)
	case "audit":
		return e.audit(ctx, args)
	case "restart":
		return e.restart(ctx, args)
	case "delete":
		return e.deletePod(ctx, args)
	case "scale":
		return e.scale(ctx, args)
	case "token":
		return e.token(ctx, args)
	case "help", "-h", "--help":
		printUsage(out)
		return nil
	default:
		printUsage(out)
		return fmt.Errorf("%w: %s", errUnknownCommand, cmd)
	}
}

// getToken reads KILO_ADMIN_TOKEN, falling back to the token file written by
// kilo-gateway bootstrap.
func getToken() string {
	if tok := strings.TrimSpace(os.Getenv("KILO_ADMIN_TOKEN")); tok != "" {
		return tok
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	data, err := os.ReadFile(filepath.Join(configDir, "kilo", "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func printUsage(w io.Writer) {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Fprint(w, banner)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: kilo-admin <command> [args]")
	fmt.Fprintln(w)
	yellow.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  status                          Gateway status and per-service health")
	fmt.Fprintln(w, "  services                        Service health detail")
	fmt.Fprintln(w, "  metrics                         Circuit-breaker metrics per service")
	fmt.Fprintln(w, "  pods                            Pods in the managed namespace")
	fmt.Fprintln(w, "  nodes                           Cluster nodes")
	fmt.Fprintln(w, "  cronjobs                        Cron jobs in the managed namespace")
	fmt.Fprintln(w, "  alerts [--limit N]              Recent alerts, newest first")
	fmt.Fprintln(w, "  audit [--limit N] [--action A]  Audit log entries")
	fmt.Fprintln(w, "  restart <pod> [--reason R]      Restart a pod")
	fmt.Fprintln(w, "  delete <pod> [--force]          Delete a pod")
	fmt.Fprintln(w, "  scale <deployment> <replicas>   Scale a deployment")
	fmt.Fprintln(w, "  token create [--label L]        Issue an admin token")
	fmt.Fprintln(w, "  token list                      List admin tokens")
	fmt.Fprintln(w, "  token revoke <id>               Revoke an admin token")
	fmt.Fprintln(w)
	yellow.Fprintln(w, "Environment:")
	fmt.Fprintln(w, "  KILO_GATEWAY_URL    Gateway base URL (default: http://localhost:8000)")
	fmt.Fprintln(w, "  KILO_ADMIN_TOKEN    Admin token (default: $XDG_CONFIG_HOME/kilo/token)")
	fmt.Fprintln(w)
}
