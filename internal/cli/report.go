package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"codeberg.org/mutker/gpudiag/internal/device"
	"codeberg.org/mutker/gpudiag/internal/diag"
)

const timeLayout = "2006-01-02 15:04:05"

func deviceLabel(id int) string {
	if id == device.All {
		return "all"
	}
	return fmt.Sprintf("%d", id)
}

// printReport writes a snapshot as a header and one row per component.
// Multi-line messages are indented under their row.
func printReport(out io.Writer, s diag.Snapshot) error {
	fmt.Fprintf(out, "Run %s on GPU %s: %s (%s)\n", s.RunID, deviceLabel(s.DeviceID), strings.ToUpper(s.Result.String()), s.Message)
	if !s.StartTime.IsZero() {
		fmt.Fprintf(out, "Started %s", s.StartTime.Format(timeLayout))
		if s.Finished && !s.EndTime.IsZero() {
			fmt.Fprintf(out, ", finished %s", s.EndTime.Format(timeLayout))
		}
		fmt.Fprintln(out)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tRESULT\tMESSAGE")
	for _, c := range s.Components {
		lines := strings.Split(c.Message, "\n")
		fmt.Fprintf(w, "%s\t%s\t%s\n", c.Type, c.Result, lines[0])
		for _, l := range lines[1:] {
			fmt.Fprintf(w, "\t\t%s\n", l)
		}
	}
	return w.Flush()
}

func printStress(out io.Writer, snaps []diag.StressSnapshot) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "GPU\tFINISHED\tSTARTED\tSCORE")
	for _, s := range snaps {
		fmt.Fprintf(w, "%d\t%t\t%s\t%s\n", s.DeviceID, s.Finished, s.StartTime.Format(timeLayout), s.Message)
	}
	return w.Flush()
}

func printLinks(out io.Writer, fails []diag.PortThroughput) error {
	if len(fails) == 0 {
		_, err := fmt.Fprintln(out, "No failed link ports recorded.")
		return err
	}
	for _, lf := range fails {
		if _, err := fmt.Fprintln(out, strings.TrimSpace(lf.String())); err != nil {
			return err
		}
	}
	return nil
}
