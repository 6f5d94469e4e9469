package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/taskrelay/internal/doctor"
)

func newDoctorCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose the local installation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				// Keep going; the config check reports the same problem.
				cmd.PrintErrf("config load: %v\n", err)
			}
			diag := doctor.Run(cmd.Context(), &cfg, Version)

			out := cmd.OutOrStdout()
			p := a.printer(out)
			if !p.styled {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(diag); err != nil {
					return err
				}
			} else {
				fmt.Fprintln(out, titleStyle.Render("taskrelay doctor")+" "+dimStyle.Render(diag.Timestamp.Format(time.RFC3339)))
				fmt.Fprintln(out, dimStyle.Render(fmt.Sprintf("%s/%s %s %s", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)))
				for _, r := range diag.Results {
					p.check(r.Status, r.Name, r.Message, r.Detail)
				}
			}
			if diag.Failed() {
				return fmt.Errorf("doctor: %d checks failed", failedCount(diag))
			}
			return nil
		},
	}
}

func failedCount(d doctor.Diagnosis) int {
	n := 0
	for _, r := range d.Results {
		if r.Status == doctor.StatusFail {
			n++
		}
	}
	return n
}
