// Package policy maps caller roles to the operations they may invoke.
package policy

import (
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/basket/taskrelay/internal/shared"
)

// Wildcard grants every operation to a role.
const Wildcard = "*"

// Checker gates operations by role.
type Checker interface {
	Allow(role, operation string) bool
	PolicyVersion() string
}

// Policy is the contents of policy.yaml. A role listed in the file replaces
// its default grant; unlisted roles keep theirs.
type Policy struct {
	Roles map[string][]string `yaml:"roles"`
}

var operations = []string{
	"create_tasks",
	"get_next_executable_task",
	"complete_task",
	"save_task_execution",
	"get_current_executing_task",
	"get_task_stats",
	"query_tasks",
	"get_task_history",
}

var readOnly = []string{"get_task_stats", "query_tasks", "get_task_history"}

func Default() Policy {
	grant := func(ops ...string) []string { return slices.Concat(ops, readOnly) }
	return Policy{Roles: map[string][]string{
		shared.RolePlanner:   grant("create_tasks"),
		shared.RoleWorker:    grant("get_next_executable_task", "complete_task", "save_task_execution"),
		shared.RoleInspector: grant("get_current_executing_task"),
		shared.RoleAdmin:     {Wildcard},
	}}
}

// KnownOperation reports whether name is an operation the policy can grant.
func KnownOperation(name string) bool {
	return slices.Contains(operations, name)
}

// Load reads path over the default grants. A missing or empty file yields
// Default().
func Load(path string) (Policy, error) {
	p := Default()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return p, nil
	case err != nil:
		return Policy{}, fmt.Errorf("read policy: %w", err)
	case len(data) == 0:
		return p, nil
	}
	var file Policy
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	for role, ops := range file.Roles {
		if err := check(role, ops...); err != nil {
			return Policy{}, err
		}
		p.Roles[norm(role)] = ops
	}
	return p, nil
}

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func check(role string, ops ...string) error {
	if !shared.IsKnownRole(norm(role)) {
		return fmt.Errorf("unknown role %q", role)
	}
	for _, op := range ops {
		if n := norm(op); n != "" && n != Wildcard && !KnownOperation(n) {
			return fmt.Errorf("role %q: unknown operation %q", role, op)
		}
	}
	return nil
}

// Allow reports whether role may invoke operation. admin may invoke anything.
func (p Policy) Allow(role, operation string) bool {
	role, operation = norm(role), norm(operation)
	switch {
	case role == "" || operation == "":
		return false
	case role == shared.RoleAdmin:
		return true
	}
	return slices.ContainsFunc(p.Roles[role], func(g string) bool {
		g = norm(g)
		return g == Wildcard || g == operation
	})
}

// PolicyVersion fingerprints the grants so audit rows can name the policy
// that decided them.
func (p Policy) PolicyVersion() string {
	h := fnv.New64a()
	for _, role := range slices.Sorted(maps.Keys(p.Roles)) {
		fmt.Fprintf(h, "%s=", norm(role))
		for _, op := range p.Roles[role] {
			fmt.Fprintf(h, "%s|", norm(op))
		}
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

func (p Policy) clone() Policy {
	out := Policy{Roles: make(map[string][]string, len(p.Roles))}
	for role, ops := range p.Roles {
		out.Roles[role] = slices.Clone(ops)
	}
	return out
}

type snapshot struct {
	p       Policy
	version string
}

// LivePolicy serves reads from an immutable snapshot that Reload and Grant
// swap atomically. With a path, Grant writes the result back to disk.
type LivePolicy struct {
	cur  atomic.Pointer[snapshot]
	mu   sync.Mutex // serialises writers
	path string
}

func NewLivePolicy(initial Policy, path string) *LivePolicy {
	lp := &LivePolicy{path: path}
	lp.Reload(initial)
	return lp
}

func (lp *LivePolicy) Allow(role, operation string) bool {
	return lp.cur.Load().p.Allow(role, operation)
}

func (lp *LivePolicy) PolicyVersion() string {
	return lp.cur.Load().version
}

func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	p = p.clone()
	lp.cur.Store(&snapshot{p: p, version: p.PolicyVersion()})
}

// Snapshot returns a copy of the active grants.
func (lp *LivePolicy) Snapshot() Policy {
	return lp.cur.Load().p.clone()
}

// Grant adds operation to role. Granting an existing operation is a no-op.
func (lp *LivePolicy) Grant(role, operation string) error {
	role, operation = norm(role), norm(operation)
	if operation == "" {
		return errors.New("empty operation")
	}
	if err := check(role, operation); err != nil {
		return err
	}
	lp.mu.Lock()
	defer lp.mu.Unlock()

	next := lp.cur.Load().p.clone()
	if slices.Contains(next.Roles[role], operation) {
		return nil
	}
	next.Roles[role] = append(next.Roles[role], operation)
	if lp.path != "" {
		out, err := yaml.Marshal(&next)
		if err != nil {
			return fmt.Errorf("marshal policy: %w", err)
		}
		if err := os.WriteFile(lp.path, out, 0o644); err != nil {
			return fmt.Errorf("write policy: %w", err)
		}
	}
	lp.cur.Store(&snapshot{p: next, version: next.PolicyVersion()})
	return nil
}

// ReloadFromFile swaps in path only when it parses and validates; otherwise
// the active grants stay in place.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return errors.New("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}
