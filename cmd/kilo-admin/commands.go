// ABOUTME: kilo-admin command implementations rendering admin API responses
// ABOUTME: Tables go through tabwriter; status words are colorized

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/kilo-gateway/internal/admin"
	"github.com/2389/kilo-gateway/internal/alerts"
	"github.com/2389/kilo-gateway/internal/fleet"
	"github.com/2389/kilo-gateway/internal/health"
)

type env struct {
	c   *adminClient
	out io.Writer
}

func (e *env) table() *tabwriter.Writer {
	return tabwriter.NewWriter(e.out, 0, 0, 2, ' ', 0)
}

// statusView is the subset of GET /admin/status the CLI renders. The
// response also carries one boolean per service name at the top level.
type statusView struct {
	Status    string                          `json:"status"`
	Healthy   int                             `json:"healthy"`
	Total     int                             `json:"total"`
	CheckedAt time.Time                       `json:"checked_at"`
	Details   map[string]health.ServiceStatus `json:"details"`
}

func (e *env) status(ctx context.Context) error {
	var st statusView
	if err := e.c.do(ctx, http.MethodGet, "status", nil, nil, &st); err != nil {
		return err
	}

	word := color.GreenString(st.Status)
	if st.Status != "online" {
		word = color.YellowString(st.Status)
	}
	fmt.Fprintf(e.out, "Gateway: %s (%d/%d healthy)\n\n", word, st.Healthy, st.Total)

	names := make([]string, 0, len(st.Details))
	for name := range st.Details {
		names = append(names, name)
	}
	sort.Strings(names)

	w := e.table()
	fmt.Fprintln(w, "  SERVICE\tHEALTH\tLATENCY\tURL")
	for _, name := range names {
		s := st.Details[name]
		fmt.Fprintf(w, "  %s\t%s\t%dms\t%s\n", name, healthWord(s), s.LatencyMS, s.URL)
	}
	return w.Flush()
}

func (e *env) services(ctx context.Context) error {
	var resp admin.ServicesResponse
	if err := e.c.do(ctx, http.MethodGet, "services", nil, nil, &resp); err != nil {
		return err
	}
	fmt.Fprintf(e.out, "%d/%d services healthy\n\n", resp.Healthy, resp.Total)

	w := e.table()
	fmt.Fprintln(w, "  NAME\tHEALTH\tFAILURES\tDOWN SINCE\tLAST ERROR")
	for _, s := range resp.Services {
		since := "-"
		if s.UnhealthySince != nil {
			since = s.UnhealthySince.Local().Format(time.DateTime)
		}
		lastErr := "-"
		if s.LastError != nil {
			lastErr = truncate(*s.LastError, 60)
		}
		fmt.Fprintf(w, "  %s\t%s\t%d\t%s\t%s\n", s.Name, healthWord(s), s.ConsecutiveFailures, since, lastErr)
	}
	return w.Flush()
}

func (e *env) metricsSummary(ctx context.Context) error {
	var resp admin.SummaryResponse
	if err := e.c.do(ctx, http.MethodGet, "metrics/summary", nil, nil, &resp); err != nil {
		return err
	}
	if len(resp.Services) == 0 {
		fmt.Fprintln(e.out, "No services expose metrics.")
		return nil
	}

	names := make([]string, 0, len(resp.Services))
	for name := range resp.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	w := e.table()
	fmt.Fprintln(w, "  SERVICE\tMETRIC\tVALUE")
	for _, name := range names {
		sm := resp.Services[name]
		if !sm.OK {
			fmt.Fprintf(w, "  %s\t%s\t%s\n", name, color.RedString("unavailable"), sm.Message)
			continue
		}
		metrics := make([]string, 0, len(sm.Metrics))
		for m := range sm.Metrics {
			metrics = append(metrics, m)
		}
		sort.Strings(metrics)
		for _, m := range metrics {
			value := "-"
			if v := sm.Metrics[m]; v != nil {
				value = strconv.FormatFloat(*v, 'f', -1, 64)
			}
			fmt.Fprintf(w, "  %s\t%s\t%s\n", name, m, value)
		}
	}
	return w.Flush()
}

func (e *env) pods(ctx context.Context) error {
	var resp admin.PodsResponse
	if err := e.c.do(ctx, http.MethodGet, "k8s/pods", nil, nil, &resp); err != nil {
		return err
	}
	if !resp.Reachable {
		color.New(color.FgYellow).Fprintf(e.out, "Cluster unreachable: %s\n\n", resp.Error)
	}
	fmt.Fprintf(e.out, "Namespace %s: %d running, %d pending, %d crash-looping, %d unknown\n\n",
		resp.Namespace,
		resp.Counts[string(fleet.PodRunning)], resp.Counts[string(fleet.PodPending)],
		resp.Counts[string(fleet.PodCrashLoop)], resp.Counts[string(fleet.PodUnknown)])

	w := e.table()
	fmt.Fprintln(w, "  NAME\tSTATUS\tREADY\tRESTARTS\tNODE\tAGE")
	now := time.Now()
	for _, p := range resp.Pods {
		fmt.Fprintf(w, "  %s\t%s\t%d/%d\t%d\t%s\t%s\n",
			p.Name, podStatusWord(p), p.ReadyContainers, p.TotalContainers,
			p.RestartCount, orDash(p.Node), age(now, p.CreatedAt))
	}
	return w.Flush()
}

func (e *env) nodes(ctx context.Context) error {
	var resp admin.NodesResponse
	if err := e.c.do(ctx, http.MethodGet, "k8s/nodes", nil, nil, &resp); err != nil {
		return err
	}

	w := e.table()
	fmt.Fprintln(w, "  NAME\tREADY\tROLES\tVERSION\tAGE")
	now := time.Now()
	for _, n := range resp.Nodes {
		ready := color.GreenString("yes")
		if !n.Ready {
			ready = color.RedString("no")
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n",
			n.Name, ready, orDash(strings.Join(n.Roles, ",")), n.KubeletVersion, age(now, n.CreatedAt))
	}
	return w.Flush()
}

func (e *env) cronJobs(ctx context.Context) error {
	var resp admin.CronJobsResponse
	if err := e.c.do(ctx, http.MethodGet, "k8s/cronjobs", nil, nil, &resp); err != nil {
		return err
	}

	w := e.table()
	fmt.Fprintln(w, "  NAME\tSCHEDULE\tSUSPENDED\tACTIVE\tLAST RUN")
	for _, cj := range resp.CronJobs {
		last := "-"
		if cj.LastScheduleTime != nil {
			last = cj.LastScheduleTime.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "  %s\t%s\t%t\t%d\t%s\n", cj.Name, cj.Schedule, cj.Suspended, cj.Active, last)
	}
	return w.Flush()
}

func (e *env) alerts(ctx context.Context, args []string) error {
	fs, err := parseFlags(args, "--limit")
	if err != nil {
		return err
	}
	if len(fs.positional) > 0 {
		return fmt.Errorf("unexpected argument: %s", fs.positional[0])
	}
	q := url.Values{}
	if v, ok := fs.values["--limit"]; ok {
		q.Set("limit", v)
	}

	var resp admin.AlertsResponse
	if err := e.c.do(ctx, http.MethodGet, "alerts", q, nil, &resp); err != nil {
		return err
	}
	if len(resp.Alerts) == 0 {
		fmt.Fprintln(e.out, "No alerts.")
		return nil
	}

	w := e.table()
	fmt.Fprintln(w, "  TIME\tSEVERITY\tKIND\tENTITY\tMESSAGE")
	for _, a := range resp.Alerts {
		sev := string(a.Severity)
		switch a.Severity {
		case alerts.SeverityHigh:
			sev = color.RedString(sev)
		case alerts.SeverityNormal:
			sev = color.YellowString(sev)
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n",
			a.CreatedAt.Local().Format(time.DateTime), sev, a.Kind, a.RelatedEntity, a.Message)
	}
	return w.Flush()
}

func (e *env) audit(ctx context.Context, args []string) error {
	fs, err := parseFlags(args, "--limit", "--action")
	if err != nil {
		return err
	}
	if len(fs.positional) > 0 {
		return fmt.Errorf("unexpected argument: %s", fs.positional[0])
	}
	q := url.Values{}
	if v, ok := fs.values["--limit"]; ok {
		q.Set("limit", v)
	}
	if v, ok := fs.values["--action"]; ok {
		q.Set("action", v)
	}

	var resp admin.AuditResponse
	if err := e.c.do(ctx, http.MethodGet, "audit", q, nil, &resp); err != nil {
		return err
	}
	if len(resp.Entries) == 0 {
		fmt.Fprintln(e.out, "No audit entries.")
		return nil
	}

	w := e.table()
	fmt.Fprintln(w, "  TIME\tACTOR\tACTION\tTARGET\tRESULT")
	for _, a := range resp.Entries {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s/%s\t%s\n",
			a.Timestamp.Local().Format(time.DateTime), a.Actor, a.Action, a.TargetType, a.TargetID, a.Result)
	}
	return w.Flush()
}

func (e *env) restart(ctx context.Context, args []string) error {
	fs, err := parseFlags(args, "--reason")
	if err != nil {
		return err
	}
	if len(fs.positional) != 1 {
		return errors.New("usage: kilo-admin restart <pod> [--reason R]")
	}
	pod := fs.positional[0]

	var res fleet.Result
	body := admin.RestartRequest{Reason: fs.values["--reason"]}
	if err := e.c.do(ctx, http.MethodPost, "k8s/pods/"+url.PathEscape(pod)+"/restart", nil, body, &res); err != nil {
		return err
	}
	e.printResult(res)
	return nil
}

func (e *env) deletePod(ctx context.Context, args []string) error {
	fs, err := parseFlags(args)
	if err != nil {
		return err
	}
	if len(fs.positional) != 1 {
		return errors.New("usage: kilo-admin delete <pod> [--force]")
	}
	q := url.Values{}
	if fs.bools["--force"] {
		q.Set("force", "true")
	}

	var res fleet.Result
	if err := e.c.do(ctx, http.MethodDelete, "k8s/pods/"+url.PathEscape(fs.positional[0]), q, nil, &res); err != nil {
		return err
	}
	e.printResult(res)
	return nil
}

func (e *env) scale(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: kilo-admin scale <deployment> <replicas>")
	}
	n, err := strconv.ParseInt(args[1], 10, 32)
	if err != nil || n < 0 {
		return fmt.Errorf("replicas must be a non-negative integer: %s", args[1])
	}
	replicas := int32(n)

	var res fleet.Result
	body := admin.ScaleRequest{Replicas: &replicas}
	if err := e.c.do(ctx, http.MethodPost, "k8s/deployments/"+url.PathEscape(args[0])+"/scale", nil, body, &res); err != nil {
		return err
	}
	e.printResult(res)
	return nil
}

func (e *env) printResult(res fleet.Result) {
	color.New(color.FgGreen).Fprintf(e.out, "✓ %s %s: %s", res.Action, res.Target, res.Outcome)
	if res.Replicas != nil {
		fmt.Fprintf(e.out, " (replicas=%d)", *res.Replicas)
	}
	fmt.Fprintln(e.out)
}

func (e *env) token(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: kilo-admin token <create|list|revoke>")
	}

	switch args[0] {
	case "create":
		fs, err := parseFlags(args[1:], "--label")
		if err != nil {
			return err
		}
		var resp admin.CreateTokenResponse
		body := admin.CreateTokenRequest{Label: fs.values["--label"]}
		if err := e.c.do(ctx, http.MethodPost, "tokens", nil, body, &resp); err != nil {
			return err
		}
		color.New(color.FgGreen).Fprintf(e.out, "✓ Created token %s", resp.ID)
		if resp.Label != "" {
			fmt.Fprintf(e.out, " (%s)", resp.Label)
		}
		fmt.Fprintln(e.out)
		fmt.Fprintf(e.out, "\n  %s\n\n", resp.Token)
		color.New(color.FgYellow).Fprintln(e.out, "This token will not be shown again.")
		return nil

	case "list":
		var resp admin.ListTokensResponse
		if err := e.c.do(ctx, http.MethodGet, "tokens", nil, nil, &resp); err != nil {
			return err
		}
		if len(resp.Tokens) == 0 {
			fmt.Fprintln(e.out, "No tokens.")
			return nil
		}
		w := e.table()
		fmt.Fprintln(w, "  ID\tLABEL\tSTATE\tCREATED")
		for _, t := range resp.Tokens {
			state := color.GreenString("active")
			if t.Revoked {
				state = color.RedString("revoked")
			}
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", t.ID, orDash(t.Label), state, t.CreatedAt.Local().Format(time.DateTime))
		}
		return w.Flush()

	case "revoke":
		if len(args) != 2 {
			return errors.New("usage: kilo-admin token revoke <id>")
		}
		var resp admin.StatusResponse
		if err := e.c.do(ctx, http.MethodPost, "tokens/"+url.PathEscape(args[1])+"/revoke", nil, nil, &resp); err != nil {
			return err
		}
		color.New(color.FgGreen).Fprintf(e.out, "✓ Revoked token %s\n", args[1])
		return nil

	default:
		return fmt.Errorf("unknown token subcommand: %s", args[0])
	}
}

type flagSet struct {
	values     map[string]string
	bools      map[string]bool
	positional []string
}

// parseFlags splits args into value flags (named in valued), boolean flags,
// and positional arguments. Both "--flag v" and "--flag=v" are accepted.
func parseFlags(args []string, valued ...string) (*flagSet, error) {
	fs := &flagSet{values: map[string]string{}, bools: map[string]bool{}}
	takesValue := func(name string) bool {
		for _, v := range valued {
			if v == name {
				return true
			}
		}
		return false
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			fs.positional = append(fs.positional, arg)
			continue
		}
		name, value, hasValue := strings.Cut(arg, "=")
		if !takesValue(name) {
			if hasValue {
				return nil, fmt.Errorf("flag %s takes no value", name)
			}
			fs.bools[name] = true
			continue
		}
		if !hasValue {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("%s requires a value", name)
			}
			value = args[i+1]
			i++
		}
		fs.values[name] = value
	}
	return fs, nil
}

func healthWord(s health.ServiceStatus) string {
	switch {
	case !s.Probed:
		return color.HiBlackString("unknown")
	case s.Healthy:
		return color.GreenString("healthy")
	default:
		return color.RedString("down")
	}
}

func podStatusWord(p fleet.PodRecord) string {
	word := string(p.Status)
	if p.WaitingReason != "" {
		word += " (" + p.WaitingReason + ")"
	}
	switch p.Status {
	case fleet.PodRunning:
		return color.GreenString(word)
	case fleet.PodPending:
		return color.YellowString(word)
	default:
		return color.RedString(word)
	}
}

func age(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
