package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/stemsi/exstem-proctor/internal/gateway"
	"k8s.io/utils/clock"
)

var outcomesCmd = &cobra.Command{
	Use:   "outcomes",
	Short: "List outcomes stored in the spool",
	RunE:  runOutcomes,
}

func init() {
	rootCmd.AddCommand(outcomesCmd)
	outcomesCmd.Flags().IntP("limit", "n", 20, "Maximum number of outcomes to list")
}

func runOutcomes(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")
	if limit <= 0 {
		return fmt.Errorf("--limit must be positive, got %d", limit)
	}

	spool, err := gateway.OpenSpool(e.cfg.SpoolPath, clock.RealClock{})
	if err != nil {
		return err
	}
	defer spool.Close()

	outcomes, err := spool.List(cmd.Context(), limit)
	if err != nil {
		return err
	}

	if e.format == "json" {
		enc := json.NewEncoder(e.out)
		enc.SetIndent("", "  ")
		return enc.Encode(outcomes)
	}

	if len(outcomes) == 0 {
		fmt.Fprintln(e.out, "No outcomes spooled.")
		return nil
	}
	tw := tabwriter.NewWriter(e.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tKIND\tREASON\tANSWERED\tVIOLATIONS\tELAPSED\tSUBMITTED\tRECEIPT")
	for _, o := range outcomes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%ds\t%s\t%s\n",
			o.SessionID, o.Kind, o.CompletionReason, o.AnsweredCount, o.ViolationCount,
			o.ElapsedSeconds, o.SubmittedAt.Local().Format(time.DateTime), o.Receipt)
	}
	return tw.Flush()
}
