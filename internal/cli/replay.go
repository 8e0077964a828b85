package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/stemsi/exstem-proctor/internal/gateway"
	"github.com/stemsi/exstem-proctor/internal/policy"
	"github.com/stemsi/exstem-proctor/internal/replay"
	"k8s.io/utils/clock"
)

var replayCmd = &cobra.Command{
	Use:   "replay <script.json>",
	Short: "Replay a recorded session script and spool its outcome",
	Long: `Replay drives a session controller headlessly from a JSON script.
Ticks advance a simulated clock, so a script covering a two hour exam runs
instantly. The frozen outcome is stored in the SQLite spool.

Use "-" to read the script from stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().Bool("risk", false, "Apply the risk policy after every violation")
	replayCmd.Flags().Bool("steps", false, "Print every step in text output")
}

func runReplay(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	withRisk, _ := cmd.Flags().GetBool("risk")
	showSteps, _ := cmd.Flags().GetBool("steps")

	script, err := replay.LoadFile(args[0])
	if err != nil {
		return err
	}

	spool, err := gateway.OpenSpool(e.cfg.SpoolPath, clock.RealClock{})
	if err != nil {
		return err
	}
	defer spool.Close()

	opts := []replay.Option{
		replay.WithLogger(e.log.With().Str("component", "replay").Logger()),
		replay.WithBannerDuration(e.cfg.BannerDuration),
		replay.WithLowTimeThreshold(e.cfg.LowTimeSeconds),
	}
	if withRisk {
		opts = append(opts, replay.WithRiskPolicy(policy.New(
			e.cfg.RiskAlertThreshold,
			e.cfg.RiskAutoTerminate,
			e.cfg.RiskAutoTerminateEnabled,
		)))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	rep, runErr := replay.NewRunner(spool, opts...).Run(ctx, script)
	if rep == nil {
		return runErr
	}

	if e.format == "json" {
		enc := json.NewEncoder(e.out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			return err
		}
	} else {
		printReport(e.out, rep, showSteps)
	}
	return runErr
}

func printReport(w io.Writer, rep *replay.Report, showSteps bool) {
	if showSteps {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "STEP\tOP\tSTATE\tQUESTION\tANSWERED\tCLOCK\tERROR")
		for _, s := range rep.Steps {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%s\t%s\n",
				s.Step, s.Op, s.State, s.Current+1, s.Answered, s.Clock, s.Error)
		}
		tw.Flush()
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "State:      %s (%s)\n", rep.Final.State, rep.Delivery)
	if o := rep.Outcome; o != nil {
		fmt.Fprintf(w, "Session:    %s\n", o.SessionID)
		fmt.Fprintf(w, "Reason:     %s\n", o.CompletionReason)
		fmt.Fprintf(w, "Answered:   %d/%d\n", len(o.Answers), rep.Final.Total)
		fmt.Fprintf(w, "Elapsed:    %ds\n", o.ElapsedSeconds)
		fmt.Fprintf(w, "Violations: %d\n", o.ViolationCount)
	}
	if rep.Risk != nil {
		fmt.Fprintf(w, "Risk:       %d (alert=%t terminate=%t)\n", rep.Risk.Score, rep.Risk.Alert, rep.Risk.Terminate)
	}
	if rep.Receipt != "" {
		fmt.Fprintf(w, "Receipt:    %s\n", rep.Receipt)
	}

	failed := 0
	for _, s := range rep.Steps {
		if s.Error != "" {
			failed++
		}
	}
	if failed > 0 {
		fmt.Fprintf(w, "Rejected:   %d of %d steps\n", failed, len(rep.Steps))
	}
}
