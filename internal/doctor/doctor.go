package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/taskrelay/internal/config"
	"github.com/basket/taskrelay/internal/cron"
	"github.com/basket/taskrelay/internal/persistence"
	"github.com/basket/taskrelay/internal/policy"
	"github.com/basket/taskrelay/internal/shared"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkStore,
		checkJournal,
		checkPolicy,
		checkAuth,
		checkSchedule,
		checkGateway,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if !cfg.FileFound {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml not found, using defaults", Detail: config.ConfigPath(cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: cfg.Fingerprint()}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	for _, dir := range []string{cfg.HomeDir, cfg.DataDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Cannot create %s: %v", dir, err)}
		}
		testFile := filepath.Join(dir, ".write_test")
		if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
			return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("%s unwritable: %v", dir, err)}
		}
		_ = os.Remove(testFile)
	}
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home and data directories writable"}
}

func checkStore(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Task Store", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(ctx, cfg.DataDir)
	if err != nil {
		return CheckResult{Name: "Task Store", Status: StatusFail, Message: fmt.Sprintf("Index build failed: %v", err), Detail: cfg.DataDir}
	}
	collections, tasks := store.IndexSize()
	return CheckResult{
		Name:    "Task Store",
		Status:  StatusPass,
		Message: fmt.Sprintf("%d collections, %d tasks", collections, tasks),
		Detail:  cfg.DataDir,
	}
}

func checkJournal(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Journal", Status: StatusSkip, Message: "Config missing"}
	}
	if !cfg.Journal.Enabled {
		return CheckResult{Name: "Journal", Status: StatusSkip, Message: "Journal disabled"}
	}
	j, err := persistence.OpenJournal(cfg.Journal.Path)
	if err != nil {
		return CheckResult{Name: "Journal", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err), Detail: cfg.Journal.Path}
	}
	defer j.Close()

	n, err := j.Count(ctx)
	if err != nil {
		return CheckResult{Name: "Journal", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err), Detail: cfg.Journal.Path}
	}
	msg := fmt.Sprintf("%d transitions recorded", n)
	if cfg.Journal.RetentionDays > 0 {
		msg += fmt.Sprintf(", retention %dd", cfg.Journal.RetentionDays)
	}
	return CheckResult{Name: "Journal", Status: StatusPass, Message: msg, Detail: cfg.Journal.Path}
}

func checkPolicy(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Policy", Status: StatusSkip, Message: "Config missing"}
	}
	path := config.PolicyPath(cfg.HomeDir)
	p, err := policy.Load(path)
	if err != nil {
		return CheckResult{Name: "Policy", Status: StatusFail, Message: fmt.Sprintf("Invalid policy: %v", err), Detail: path}
	}
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		return CheckResult{Name: "Policy", Status: StatusPass, Message: "Default role grants", Detail: p.PolicyVersion()}
	}
	return CheckResult{Name: "Policy", Status: StatusPass, Message: fmt.Sprintf("%d roles from policy.yaml", len(p.Roles)), Detail: p.PolicyVersion()}
}

func checkAuth(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Auth", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.Auth.Enabled {
		keys := make([]string, 0, len(cfg.Auth.Keys))
		for _, k := range cfg.Auth.Keys {
			keys = append(keys, fmt.Sprintf("%s=%s(%s)", k.Name, shared.MaskKey(k.Key), k.Role))
		}
		return CheckResult{
			Name:    "Auth",
			Status:  StatusPass,
			Message: fmt.Sprintf("%d API keys configured", len(cfg.Auth.Keys)),
			Detail:  strings.Join(keys, " "),
		}
	}
	host, _, err := net.SplitHostPort(cfg.BindAddr)
	if err == nil && !isLoopback(host) {
		return CheckResult{
			Name:    "Auth",
			Status:  StatusWarn,
			Message: fmt.Sprintf("Auth disabled while binding %s", cfg.BindAddr),
			Detail:  "Callers may declare any role, including admin",
		}
	}
	return CheckResult{Name: "Auth", Status: StatusPass, Message: "Auth disabled, loopback only"}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func checkSchedule(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Index Resync", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.IndexResync == "" {
		return CheckResult{Name: "Index Resync", Status: StatusSkip, Message: "Periodic resync disabled"}
	}
	next, err := cron.NextRunTime(cfg.IndexResync, time.Now())
	if err != nil {
		return CheckResult{Name: "Index Resync", Status: StatusFail, Message: fmt.Sprintf("Invalid schedule %q: %v", cfg.IndexResync, err)}
	}
	return CheckResult{Name: "Index Resync", Status: StatusPass, Message: fmt.Sprintf("%s, next run %s", cfg.IndexResync, next.Format(time.RFC3339))}
}

func checkGateway(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Gateway", Status: StatusSkip, Message: "Config missing"}
	}
	dialCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", cfg.BindAddr)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Gateway",
			Status:  StatusWarn,
			Message: fmt.Sprintf("No daemon listening on %s", cfg.BindAddr),
			Detail:  "Start it with: taskrelay serve",
		}
	}
	_ = conn.Close()
	return CheckResult{
		Name:    "Gateway",
		Status:  StatusPass,
		Message: fmt.Sprintf("Daemon reachable on %s (%dms)", cfg.BindAddr, latency.Milliseconds()),
	}
}
