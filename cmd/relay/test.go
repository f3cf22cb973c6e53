package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/app"
	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/config"
	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/email"
	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/report"
	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/template"
)

var (
	testSendTo      string
	testSendSubject string
	testSendBody    string
	testSendPDFURL  string
	testSendTimeout time.Duration

	testReportFile string
)

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Testing and debugging commands",
}

var testSendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a test email through the configured provider",
	Long: `Send a test email directly through the configured provider, without a
running relay. Sandbox settings are ignored.`,
	RunE: runTestSend,
}

var testRenderCmd = &cobra.Command{
	Use:   "render",
	Short: "Render a report payload without sending it",
	RunE:  runTestRender,
}

func init() {
	testSendCmd.Flags().StringVar(&testSendTo, "to", "", "Recipient email addresses (required)")
	testSendCmd.Flags().StringVar(&testSendSubject, "subject", "Test message from relay", "Email subject")
	testSendCmd.Flags().StringVar(&testSendBody, "body", "This is a test message sent by the report relay.", "Email body")
	testSendCmd.Flags().StringVar(&testSendPDFURL, "pdf-url", "", "PDF to download and attach")
	testSendCmd.Flags().DurationVar(&testSendTimeout, "timeout", 60*time.Second, "Send timeout")
	testSendCmd.MarkFlagRequired("to")

	testRenderCmd.Flags().StringVar(&testReportFile, "file", "", "Report JSON file (required, - for stdin)")
	testRenderCmd.MarkFlagRequired("file")

	testCmd.AddCommand(testSendCmd, testRenderCmd)
	rootCmd.AddCommand(testCmd)
}

func newDispatcher(cfg *config.Config) (*report.Dispatcher, error) {
	logger, _ := app.SetupLogger(cfg.Logging)

	provider, err := app.NewProvider(cfg, logger)
	if err != nil {
		return nil, err
	}

	tmpl, err := template.LoadDir(cfg.Report.TemplateDir, template.Report)
	if err != nil {
		return nil, fmt.Errorf("failed to load report template: %w", err)
	}

	return report.NewDispatcher(provider, report.Options{
		From:     cfg.Email.From,
		FromName: cfg.Email.FromName,
		Branding: template.Branding{
			PrimaryColor:   cfg.Brand.PrimaryColor,
			SecondaryColor: cfg.Brand.SecondaryColor,
			LogoURL:        cfg.Brand.LogoURL,
		},
		Template:        tmpl,
		MaxPDFBytes:     cfg.Report.MaxPDFBytes,
		FetchTimeout:    cfg.Report.FetchTimeout,
		PDFAllowedHosts: cfg.Report.PDFAllowedHosts,
	}, logger), nil
}

func runTestSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	to := email.ParseRecipients([]string{testSendTo}, "")
	if len(to) == 0 {
		return fmt.Errorf("no valid recipient in %q", testSendTo)
	}

	dispatcher, err := newDispatcher(cfg)
	if err != nil {
		return err
	}
	if !dispatcher.Configured() {
		return fmt.Errorf("provider %s is not configured", dispatcher.Provider())
	}

	fmt.Printf("Sending test email...\n")
	fmt.Printf("  Provider: %s\n", dispatcher.Provider())
	fmt.Printf("  From: %s <%s>\n", cfg.Email.FromName, cfg.Email.From)
	fmt.Printf("  To: %s\n", strings.Join(to, ", "))
	fmt.Printf("  Subject: %s\n", testSendSubject)
	fmt.Println()

	ctx, cancel := context.WithTimeout(context.Background(), testSendTimeout)
	defer cancel()

	start := time.Now()
	receipt, err := dispatcher.SendEmail(ctx, report.EmailRequest{
		To:      to,
		Subject: testSendSubject,
		Text:    testSendBody,
		PDFURL:  testSendPDFURL,
	})
	if err != nil {
		return fmt.Errorf("send failed: %w", err)
	}

	fmt.Printf("Sent in %s\n", time.Since(start).Round(time.Millisecond))
	fmt.Printf("  Message-ID: %s\n", receipt.MessageID)
	fmt.Printf("  Accepted: %s\n", strings.Join(receipt.Accepted, ", "))
	if len(receipt.Rejected) > 0 {
		fmt.Printf("  Rejected: %s\n", strings.Join(receipt.Rejected, ", "))
	}
	return nil
}

func runTestRender(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var data []byte
	if testReportFile == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(testReportFile)
	}
	if err != nil {
		return fmt.Errorf("failed to read report: %w", err)
	}

	r, err := report.Parse(data)
	if err != nil {
		return err
	}

	dispatcher, err := newDispatcher(cfg)
	if err != nil {
		return err
	}

	rd := report.EvaluateReadiness(r)
	recipients := email.ParseRecipients(r.To, cfg.Report.DefaultTo)

	fmt.Printf("Key:        %s\n", report.DeriveKey(r, recipients))
	fmt.Printf("Recipients: %s\n", strings.Join(recipients, ", "))
	fmt.Printf("PDF:        status=%q url=%q ready=%t\n", rd.Status, rd.URL, rd.Ready)
	if !r.HasPDFMarkers() {
		fmt.Printf("            no PDF fields, the relay would ignore this payload\n")
	}

	rendered, err := dispatcher.Render(r, false)
	if err != nil {
		return err
	}
	fmt.Printf("\nSubject: %s\n\n%s", rendered.Subject, rendered.Text)
	return nil
}
