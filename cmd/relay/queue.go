package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/api"
	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/queue"
)

var queueJSON bool

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the report notify queue of a running relay",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue statistics",
	RunE:  runQueueStats,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List reports waiting for their PDF",
	RunE:  runQueueList,
}

func init() {
	queueCmd.PersistentFlags().BoolVar(&queueJSON, "json", false, "Print raw JSON")

	queueCmd.AddCommand(queueStatsCmd, queueListCmd)
	rootCmd.AddCommand(queueCmd)
}

func fetchQueue(ctx context.Context) (*api.QueueResponse, error) {
	client, err := newAPIClient()
	if err != nil {
		return nil, err
	}
	var resp api.QueueResponse
	if err := client.do(ctx, "GET", "/api/reports/queue", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	resp, err := fetchQueue(cmd.Context())
	if err != nil {
		return err
	}
	if queueJSON {
		return printJSON(os.Stdout, resp.Stats)
	}
	printQueueStats(os.Stdout, resp.Stats)
	return nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	resp, err := fetchQueue(cmd.Context())
	if err != nil {
		return err
	}
	if queueJSON {
		return printJSON(os.Stdout, resp.Entries)
	}
	if len(resp.Entries) == 0 {
		fmt.Println("Queue is empty")
		return nil
	}
	printQueueEntries(os.Stdout, resp.Entries, time.Now())
	return nil
}

func printQueueStats(w io.Writer, st queue.Stats) {
	fmt.Fprintf(w, "Queue Statistics:\n")
	fmt.Fprintf(w, "  Pending:       %d\n", st.Pending)
	fmt.Fprintf(w, "  In flight:     %d\n", st.InFlight)
	fmt.Fprintf(w, "  Sent records:  %d\n", st.SentRecords)
	if st.Pending > 0 {
		fmt.Fprintf(w, "  Oldest:        %s\n", (time.Duration(st.OldestPendingSeconds) * time.Second).String())
	}
	fmt.Fprintf(w, "\nTotals since start:\n")
	fmt.Fprintf(w, "  Submitted:     %d\n", st.Submitted)
	fmt.Fprintf(w, "  Sent:          %d\n", st.Sent)
	fmt.Fprintf(w, "  Queued:        %d\n", st.Queued)
	fmt.Fprintf(w, "  Dedup:         %d\n", st.Dedup)
	fmt.Fprintf(w, "  Ignored:       %d\n", st.Ignored)
	fmt.Fprintf(w, "  Given up:      %d\n", st.GivenUp)
	fmt.Fprintf(w, "  Send failures: %d\n", st.SendFailures)
	fmt.Fprintf(w, "\nSettings: retry every %ds, %d attempts, dedup %dm\n",
		st.RetryEverySeconds, st.MaxAttempts, st.DedupTTLMinutes)
}

func printQueueEntries(out io.Writer, entries []queue.EntryInfo, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tSTATUS\tTO\tATTEMPTS\tAGE\tNEXT")
	fmt.Fprintln(w, "---\t------\t--\t--------\t---\t----")

	for _, e := range entries {
		status := e.Status
		if status == "" {
			status = "-"
		}
		if e.InFlight {
			status += " (sending)"
		}
		next := "due"
		if e.NextAt.After(now) {
			next = e.NextAt.Sub(now).Round(time.Second).String()
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			e.Key,
			status,
			truncate(strings.Join(e.Recipients, ", "), 40),
			e.Attempts,
			now.Sub(e.CreatedAt).Round(time.Second),
			next,
		)
	}
	w.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// truncate shortens s to n runes
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
