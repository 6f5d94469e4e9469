// policy_default_check verifies the built-in role grants and that a rejected
// policy.yaml reload leaves the active grants untouched.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/basket/taskrelay/internal/policy"
)

type expectation struct {
	label, role, op string
	allow           bool
}

var defaults = []expectation{
	{"planner_create", "planner", "create_tasks", true},
	{"planner_claim", "planner", "get_next_executable_task", false},
	{"worker_claim", "worker", "get_next_executable_task", true},
	{"worker_create", "worker", "create_tasks", false},
	{"inspector_current", "inspector", "get_current_executing_task", true},
	{"inspector_complete", "inspector", "complete_task", false},
	{"admin_history", "admin", "get_task_history", true},
	{"unknown_role", "overlord", "get_task_stats", false},
}

func main() {
	failed := 0
	report := func(label string, got, want bool) {
		status := "ok"
		if got != want {
			status = "MISMATCH"
			failed++
		}
		fmt.Printf("%-32s got=%-5v want=%-5v %s\n", label, got, want, status)
	}
	must := func(step string, err error) {
		if err != nil {
			fmt.Printf("%s: %v\nVERDICT FAIL\n", step, err)
			os.Exit(1)
		}
	}

	dir, err := os.MkdirTemp("", "taskrelay-policy-verify-*")
	must("mktemp", err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "policy.yaml")

	p, err := policy.Load(path)
	must("load defaults", err)
	for _, e := range defaults {
		report("default_"+e.label, p.Allow(e.role, e.op), e.allow)
	}

	live := policy.NewLivePolicy(p, path)
	must("grant", live.Grant("inspector", "complete_task"))
	report("grant_inspector_complete", live.Allow("inspector", "complete_task"), true)
	before := live.PolicyVersion()

	must("write invalid", os.WriteFile(path, []byte("roles:\n  inspector: [complete_task, drop_all_tasks]\n"), 0o644))
	report("invalid_reload_rejected", policy.ReloadFromFile(live, path) != nil, true)
	report("previous_grant_retained", live.Allow("inspector", "complete_task"), true)
	report("previous_version_retained", live.PolicyVersion() == before, true)
	report("unknown_op_denied", live.Allow("inspector", "drop_all_tasks"), false)

	if failed > 0 {
		fmt.Printf("VERDICT FAIL (%d mismatches)\n", failed)
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
