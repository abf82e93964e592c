// Package main provides keygate-cli, the operator tool for a KeyGate
// deployment. It works directly against the configured database, so it can
// bootstrap providers and credentials before the server first starts.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ferro-labs/keygate"
	"github.com/ferro-labs/keygate/internal/discovery"
	"github.com/ferro-labs/keygate/internal/logging"
	"github.com/ferro-labs/keygate/internal/seed"
	"github.com/ferro-labs/keygate/internal/store"
	"github.com/ferro-labs/keygate/internal/version"
	"github.com/ferro-labs/keygate/ledger"
	"github.com/ferro-labs/keygate/models"
	"github.com/ferro-labs/keygate/providers"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type cli struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "keygate-cli",
		Short: "KeyGate command line tool",
		Long: `keygate-cli manages a KeyGate deployment directly through its database.

Commands:
  validate <config-file>     Validate a configuration file
  seed <providers.yaml>      Create the providers listed in a seed file
  providers list             List configured providers
  credentials create         Issue a new access credential
  discover [provider-id]     Run model discovery now
  version                    Print version info`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", os.Getenv("KEYGATE_CONFIG"), "path to a YAML config file")

	root.AddCommand(
		c.versionCmd(),
		c.validateCmd(),
		c.seedCmd(),
		c.providersCmd(),
		c.credentialsCmd(),
		c.discoverCmd(),
	)
	return root
}

func (c *cli) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "keygate-cli %s\n", version.String())
		},
	}
}

func (c *cli) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Validate a configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := keygate.LoadConfig(args[0])
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if err := keygate.ValidateConfig(*cfg); err != nil {
				return fmt.Errorf("validation: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Config is valid")
			fmt.Fprintf(out, "  Port:       %d\n", cfg.Server.Port)
			fmt.Fprintf(out, "  Database:   %s\n", cfg.Database.Driver)
			fmt.Fprintf(out, "  Discovery:  on_startup=%t periodic=%t interval=%s\n",
				cfg.Discovery.OnStartup, cfg.Discovery.Periodic, cfg.Discovery.Interval)
			fmt.Fprintf(out, "  Admin:      login %s\n", enabled(cfg.Admin.Password != ""))
			if cfg.ProvidersFile != "" {
				fmt.Fprintf(out, "  Providers:  %s\n", cfg.ProvidersFile)
			}
			return nil
		},
	}
}

func (c *cli) seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <providers.yaml>",
		Short: "Create the providers listed in a seed file",
		Long:  "Creates every provider in the file whose name is not stored yet. Running it twice is harmless.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := seed.Load(args[0])
			if err != nil {
				return err
			}
			return c.withStore(cmd.Context(), func(ctx context.Context, st store.Store) error {
				n, err := seed.Apply(ctx, st, f)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created %d of %d provider(s)\n", n, len(f.Providers))
				return nil
			})
		},
	}
}

func (c *cli) providersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Inspect providers",
	}
	var capability string
	list := &cobra.Command{
		Use:   "list",
		Short: "List configured providers, highest priority first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := providers.Filter{Capability: providers.Capability(capability)}
			if capability != "" && !f.Capability.Valid() {
				return fmt.Errorf("invalid capability %q: must be chat or image", capability)
			}
			return c.withStore(cmd.Context(), func(ctx context.Context, st store.Store) error {
				ps, err := st.ListProviders(ctx, f)
				if err != nil {
					return err
				}
				if len(ps) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No providers configured.")
					return nil
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%-36s  %-20s  %-10s  %-8s  %-8s  %s\n", "ID", "NAME", "CAPABILITY", "PRIORITY", "STATUS", "SECRET")
				for _, p := range ps {
					fmt.Fprintf(out, "%-36s  %-20s  %-10s  %-8d  %-8s  %s\n", p.ID, p.Name, p.Capability, p.Priority, p.Status, p.SecretHint())
				}
				return nil
			})
		},
	}
	list.Flags().StringVar(&capability, "capability", "", "only list providers of this capability (chat or image)")
	cmd.AddCommand(list)
	return cmd
}

func (c *cli) credentialsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage access credentials",
	}
	var (
		name  string
		owner string
		quota int64
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue a new access credential and print its key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(name) == "" {
				return fmt.Errorf("--name is required")
			}
			if quota < 0 {
				return fmt.Errorf("--quota must not be negative")
			}
			return c.withStore(cmd.Context(), func(ctx context.Context, st store.Store) error {
				cred, err := st.CreateCredential(ctx, ledger.Credential{
					Name:       strings.TrimSpace(name),
					Owner:      owner,
					QuotaLimit: quota,
				})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "ID:     %s\n", cred.ID)
				fmt.Fprintf(out, "Name:   %s\n", cred.Name)
				fmt.Fprintf(out, "Quota:  %d\n", cred.QuotaLimit)
				fmt.Fprintf(out, "Key:    %s\n", cred.Key)
				fmt.Fprintln(out, "Store the key now; it is only shown masked from here on.")
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "credential name (required)")
	create.Flags().StringVar(&owner, "owner", "", "owner label")
	create.Flags().Int64Var(&quota, "quota", 0, "quota limit in usage units (default 1000000)")
	cmd.AddCommand(create)
	return cmd
}

func (c *cli) discoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover [provider-id]",
		Short: "Run model discovery for one provider or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.config()
			if err != nil {
				return err
			}
			return c.withStore(cmd.Context(), func(ctx context.Context, st store.Store) error {
				upstream := providers.NewUpstreamClient(cfg.Upstream.Timeout,
					providers.WithDiscoveryTimeout(cfg.Discovery.Timeout))
				engine := discovery.NewEngine(st, st, upstream, discovery.WithConcurrency(cfg.Discovery.Concurrency))

				var ms []models.Model
				if len(args) == 1 {
					ms, err = engine.DiscoverProvider(ctx, args[0])
				} else {
					ms, err = engine.DiscoverAll(ctx)
				}
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%-20s  %-40s  %-10s  %s\n", "PROVIDER", "MODEL", "TYPE", "CONTEXT")
				for _, m := range ms {
					size := "-"
					if m.ContextSize != nil {
						size = fmt.Sprint(*m.ContextSize)
					}
					fmt.Fprintf(out, "%-20s  %-40s  %-10s  %s\n", providerLabel(m), m.UpstreamModelID, m.Type, size)
				}
				fmt.Fprintf(out, "%d active model(s)\n", len(ms))
				return nil
			})
		},
	}
}

func (c *cli) config() (*keygate.Config, error) {
	cfg, err := keygate.LoadConfig(c.configPath)
	if err != nil {
		return nil, err
	}
	if err := keygate.ValidateConfig(*cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	// Keep stdout for command output.
	logging.SetupWriter(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}

// withStore opens the configured store for the duration of fn.
func (c *cli) withStore(ctx context.Context, fn func(context.Context, store.Store) error) error {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, st)
}

func providerLabel(m models.Model) string {
	if m.ProviderName != "" {
		return m.ProviderName
	}
	return m.ProviderID
}

func enabled(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}
