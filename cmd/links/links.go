package links

import (
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/stephnangue/capsule/cmd/helpers"
	"github.com/stephnangue/capsule/config"
	"github.com/stephnangue/capsule/helper"
	"github.com/stephnangue/capsule/link"
)

var (
	configPath    string
	flagLinksFile string
	flagPrefix    string
	flagBaseURL   string

	// now is replaced in tests.
	now = func() time.Time { return time.Now().UTC() }

	LinksCmd = &cobra.Command{
		Use:   "links",
		Short: "Inspect and manage the capability links of private resources",
	}

	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List private resources with their tokens and expiries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			links, err := link.ReadFile(cfg.LinksFile)
			if err != nil {
				return fmt.Errorf("failed to read links: %w", err)
			}
			base := flagBaseURL
			if base == "" {
				base = "http://" + cfg.Address
			}
			return printLinks(cmd.OutOrStdout(), links, now(), cfg.PrivatePrefix, base)
		},
	}

	expireCmd = &cobra.Command{
		Use:   "expire <resource>",
		Short: "Expire the link of a private resource",
		Long: `
Usage: capsule links expire <resource>

  Sets the expiry of a resource's link to the current time. A running server
  rotates the token, or removes the resource when its rotation says so, on
  its next tick.
  `,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			if err := expireLink(cfg.LinksFile, args[0], now()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Success! Link of %s expired\n", args[0])
			return nil
		},
	}
)

func init() {
	LinksCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (e.g., path/to/capsule.hcl)")
	LinksCmd.PersistentFlags().StringVar(&flagLinksFile, "links-file", "", "Links file, overrides the configuration")
	listCmd.Flags().StringVar(&flagPrefix, "prefix", "", "Private prefix used in URLs, overrides the configuration")
	listCmd.Flags().StringVar(&flagBaseURL, "base-url", "", "Base URL of the server (default http://<address>)")

	LinksCmd.AddCommand(listCmd)
	LinksCmd.AddCommand(expireCmd)
}

func resolveConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ApplyEnv(nil); err != nil {
		return nil, err
	}
	if flagLinksFile != "" {
		cfg.LinksFile = flagLinksFile
	}
	if flagPrefix != "" {
		cfg.PrivatePrefix = flagPrefix
	}
	return cfg, nil
}

// printLinks writes one row per resource, sorted by name.
func printLinks(w io.Writer, links map[string]link.Link, at time.Time, prefix, baseURL string) error {
	names := make([]string, 0, len(links))
	for name := range links {
		names = append(names, name)
	}
	sort.Strings(names)

	base := strings.TrimRight(baseURL, "/")
	rows := make([][]any, 0, len(names))
	for _, name := range names {
		l := links[name]
		expiry, left := "never", "-"
		if l.Expiry != nil {
			expiry = l.Expiry.UTC().Format(time.RFC3339)
			left = helper.FormatRemaining(l.Expiry.Sub(at))
		}
		audited := "yes"
		if l.SkipAudit {
			audited = "no"
		}
		u := fmt.Sprintf("%s/%s/%s/%s", base, prefix, l.TokenString(), url.PathEscape(name))
		rows = append(rows, []any{name, l.TokenString(), expiry, left, l.Rotation.String(), audited, u})
	}

	return helpers.PrintTable(w, []string{"Resource", "Token", "Expiry", "Left", "Rotation", "Audited", "URL"}, rows)
}

// expireLink sets the expiry of name to at and rewrites the links file.
func expireLink(path, name string, at time.Time) error {
	links, err := link.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read links: %w", err)
	}
	l, ok := links[name]
	if !ok {
		return fmt.Errorf("no link for resource %q", name)
	}
	l.Expiry = &at
	links[name] = l
	if err := link.WriteFile(path, links); err != nil {
		return fmt.Errorf("failed to write links: %w", err)
	}
	return nil
}
