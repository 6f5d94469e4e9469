package main

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/basket/taskrelay/internal/config"
	"github.com/basket/taskrelay/internal/policy"
)

type policyView struct {
	Path    string              `json:"path"`
	Version string              `json:"policy_version"`
	Roles   map[string][]string `json:"roles"`
}

func newPolicyCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect or extend role grants in policy.yaml",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective grants",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				live, path, err := a.livePolicy()
				if err != nil {
					return err
				}
				return a.showPolicy(cmd, live, path)
			},
		},
		&cobra.Command{
			Use:   "grant ROLE OPERATION",
			Short: "Grant an operation to a role and save policy.yaml",
			Long:  "A running daemon picks the change up through its file watcher.",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				live, path, err := a.livePolicy()
				if err != nil {
					return err
				}
				if err := live.Grant(args[0], args[1]); err != nil {
					return fmt.Errorf("grant: %w", err)
				}
				return a.showPolicy(cmd, live, path)
			},
		},
	)
	return cmd
}

func (a *app) livePolicy() (*policy.LivePolicy, string, error) {
	path := config.PolicyPath(a.homeDir())
	p, err := policy.Load(path)
	if err != nil {
		return nil, path, err
	}
	return policy.NewLivePolicy(p, path), path, nil
}

func (a *app) showPolicy(cmd *cobra.Command, live *policy.LivePolicy, path string) error {
	view := policyView{Path: path, Version: live.PolicyVersion(), Roles: live.Snapshot().Roles}
	p := a.printer(cmd.OutOrStdout())
	if !p.styled {
		raw, err := json.Marshal(view)
		if err != nil {
			return err
		}
		p.result(raw)
		return nil
	}
	fmt.Fprintln(p.w, titleStyle.Render("policy")+" "+dimStyle.Render(view.Version+" "+path))
	for _, role := range slices.Sorted(maps.Keys(view.Roles)) {
		fmt.Fprintf(p.w, "  %-10s %s\n", role, strings.Join(view.Roles[role], ", "))
	}
	return nil
}
