package main

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/api"
	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/sandbox"
)

var (
	sandboxListMode  string
	sandboxListLimit int
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Inspect messages captured by a running relay in sandbox or redirect mode",
}

var sandboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List captured messages",
	RunE:  runSandboxList,
}

var sandboxShowCmd = &cobra.Command{
	Use:   "show <message_id>",
	Short: "Show a captured message",
	Args:  cobra.ExactArgs(1),
	RunE:  runSandboxShow,
}

var sandboxClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear captured messages",
	RunE:  runSandboxClear,
}

func init() {
	sandboxListCmd.Flags().StringVar(&sandboxListMode, "mode", "", "Filter by mode (sandbox, redirect)")
	sandboxListCmd.Flags().IntVar(&sandboxListLimit, "limit", 50, "Maximum number of messages")

	sandboxCmd.AddCommand(sandboxListCmd, sandboxShowCmd, sandboxClearCmd)
	rootCmd.AddCommand(sandboxCmd)
}

func runSandboxList(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(sandboxListLimit))
	if sandboxListMode != "" {
		q.Set("mode", sandboxListMode)
	}

	var resp api.SandboxListResponse
	if err := client.do(cmd.Context(), "GET", "/api/sandbox/messages?"+q.Encode(), &resp); err != nil {
		return err
	}
	if len(resp.Messages) == 0 {
		fmt.Println("No captured messages")
		return nil
	}
	printSandboxMessages(os.Stdout, resp.Messages)
	fmt.Printf("\nShowing %d of %d\n", len(resp.Messages), resp.Total)
	return nil
}

func runSandboxShow(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	var msg sandbox.Message
	if err := client.do(cmd.Context(), "GET", "/api/sandbox/messages/"+url.PathEscape(args[0]), &msg); err != nil {
		return err
	}

	fmt.Printf("ID:       %s\n", msg.ID)
	fmt.Printf("Mode:     %s\n", msg.Mode)
	fmt.Printf("Captured: %s\n", msg.CapturedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("From:     %s\n", msg.From)
	fmt.Printf("To:       %s\n", strings.Join(msg.To, ", "))
	if len(msg.OriginalTo) > 0 {
		fmt.Printf("Original: %s\n", strings.Join(msg.OriginalTo, ", "))
	}
	fmt.Printf("Subject:  %s\n", msg.Subject)
	for _, a := range msg.Attachments {
		fmt.Printf("Attach:   %s\n", a)
	}
	if msg.SimulatedErr != "" {
		fmt.Printf("Error:    %s\n", msg.SimulatedErr)
	}
	fmt.Printf("\n%s\n", msg.Text)
	return nil
}

func runSandboxClear(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	var resp struct {
		Deleted int `json:"deleted"`
	}
	if err := client.do(cmd.Context(), "DELETE", "/api/sandbox/messages", &resp); err != nil {
		return err
	}
	fmt.Printf("Deleted %d messages\n", resp.Deleted)
	return nil
}

func printSandboxMessages(out io.Writer, messages []*sandbox.Message) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMODE\tTO\tSUBJECT\tCAPTURED")
	fmt.Fprintln(w, "--\t----\t--\t-------\t--------")

	for _, m := range messages {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			m.ID[:min(8, len(m.ID))],
			m.Mode,
			strings.Join(m.To, ", "),
			truncate(m.Subject, 40),
			m.CapturedAt.Format("2006-01-02 15:04"),
		)
	}
	w.Flush()
}
