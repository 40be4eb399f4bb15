package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/treykane/remote-viewer/internal/doctor"
	"github.com/treykane/remote-viewer/internal/security"
)

func newDoctorCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check local prerequisites and configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := doctor.Run()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				if report.Issues == nil {
					report.Issues = []doctor.Issue{}
				}
				return printJSON(out, report)
			}
			if len(report.Issues) == 0 {
				fmt.Fprintln(out, "no issues found")
				return nil
			}
			for _, is := range report.Issues {
				fmt.Fprintf(out, "[%s] %s %s: %s\n", strings.ToUpper(string(is.Severity)), is.Check, is.Target, is.Message)
				if is.Recommendation != "" {
					fmt.Fprintf(out, "    -> %s\n", is.Recommendation)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newAuditCmd() *cobra.Command {
	var (
		jsonOut bool
		strict  bool
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit file permissions, exposure and leftover remote viewers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := security.RunLocalAudit()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				if report.Findings == nil {
					report.Findings = []security.Finding{}
				}
				if err := printJSON(out, report); err != nil {
					return err
				}
			} else if len(report.Findings) == 0 {
				fmt.Fprintln(out, "no findings")
			} else {
				for _, f := range report.Findings {
					fmt.Fprintf(out, "[%s] %s: %s\n", strings.ToUpper(string(f.Severity)), f.Target, f.Message)
					if f.Recommendation != "" {
						fmt.Fprintf(out, "    -> %s\n", f.Recommendation)
					}
				}
			}
			if strict && report.HasHigh() {
				return fmt.Errorf("audit found high severity findings")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	cmd.Flags().BoolVar(&strict, "strict", false, "exit non-zero on high severity findings")
	return cmd
}
