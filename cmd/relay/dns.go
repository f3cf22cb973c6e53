package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/config"
	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/dkim"
	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/dnscheck"
	"github.com/cicerorobertolopesdonascimento-prog/whatsapp-backend/internal/email"
)

var (
	dnsDomain   string
	dnsSelector string
	dnsJSON     bool
	dnsTimeout  time.Duration
)

var dnsCmd = &cobra.Command{
	Use:   "dns",
	Short: "Sender domain DNS commands",
}

var dnsCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check SPF, DKIM and DMARC for the sender domain",
	Long: `Check the SPF, DKIM and DMARC records of the sender domain. The domain
defaults to dkim.domain, then to the domain of email.from. When DKIM signing
is enabled the published key is compared with dkim.key_file.`,
	RunE: runDNSCheck,
}

func init() {
	dnsCheckCmd.Flags().StringVar(&dnsDomain, "domain", "", "Domain to check")
	dnsCheckCmd.Flags().StringVar(&dnsSelector, "selector", "", "DKIM selector (default dkim.selector or relay)")
	dnsCheckCmd.Flags().BoolVar(&dnsJSON, "json", false, "Print raw JSON")
	dnsCheckCmd.Flags().DurationVar(&dnsTimeout, "timeout", 10*time.Second, "Lookup timeout")

	dnsCmd.AddCommand(dnsCheckCmd)
	rootCmd.AddCommand(dnsCmd)
}

func runDNSCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	opts, domain, err := dnsCheckOptions(cfg, dnsDomain, dnsSelector)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), dnsTimeout)
	defer cancel()

	result, err := dnscheck.New(nil).CheckDomain(ctx, domain, opts)
	if err != nil {
		return fmt.Errorf("failed to check %s: %w", domain, err)
	}

	if dnsJSON {
		return printJSON(os.Stdout, result)
	}
	printDNSResult(os.Stdout, result)
	if result.Summary.Errors > 0 {
		return fmt.Errorf("%d record(s) failed", result.Summary.Errors)
	}
	return nil
}

// dnsCheckOptions derives the domain and expectations from the config
func dnsCheckOptions(cfg *config.Config, domain, selector string) (dnscheck.CheckOptions, string, error) {
	opts := dnscheck.CheckOptions{
		Selector:   selector,
		SPFInclude: providerSPFInclude(cfg),
	}

	if domain == "" {
		domain = cfg.DKIM.Domain
	}
	if domain == "" {
		domain = email.ExtractDomain(cfg.Email.From)
	}
	if domain == "" {
		return opts, "", fmt.Errorf("no domain given and none configured (set --domain, dkim.domain or email.from)")
	}

	if opts.Selector == "" {
		opts.Selector = cfg.DKIM.Selector
	}

	if cfg.DKIM.Enabled && cfg.DKIM.KeyFile != "" && strings.EqualFold(domain, cfg.DKIM.Domain) {
		key, err := dkim.LoadPrivateKey(cfg.DKIM.KeyFile)
		if err != nil {
			return opts, "", fmt.Errorf("failed to load DKIM key: %w", err)
		}
		opts.ExpectedDKIM = dkim.TXTRecord(&key.PublicKey)
	}

	return opts, domain, nil
}

// providerSPFInclude names the SPF mechanism the configured provider sends under
func providerSPFInclude(cfg *config.Config) string {
	if cfg.Email.Provider == config.ProviderSendGrid {
		return "include:sendgrid.net"
	}
	host := strings.ToLower(cfg.SMTP.Host)
	if host == "smtp.gmail.com" || strings.HasSuffix(host, ".google.com") {
		return "include:_spf.google.com"
	}
	return ""
}

func printDNSResult(out io.Writer, result *dnscheck.DomainCheckResult) {
	fmt.Fprintf(out, "Domain: %s\n\n", result.Domain)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHECK\tSTATUS\tDETAILS")
	fmt.Fprintln(w, "-----\t------\t-------")
	for _, r := range result.Results {
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.Type, r.Status, r.Message)
	}
	w.Flush()

	fmt.Fprintf(out, "\n%d ok, %d warning(s), %d error(s), %d missing\n",
		result.Summary.OK, result.Summary.Warnings, result.Summary.Errors, result.Summary.NotFound)
}
