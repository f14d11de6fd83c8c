// Package gatecmd implements the execgate command line.
package gatecmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/cuihairu/execgate/internal/audit/chain"
	"github.com/cuihairu/execgate/internal/cli/common"
	"github.com/cuihairu/execgate/internal/idgen"
	reqrepo "github.com/cuihairu/execgate/internal/repo/gorm/requests"
	"github.com/spf13/cobra"
)

type globals struct {
	cfgFile  string
	includes []string
	profile  string
	actor    string
	strict   bool
}

func (g *globals) config() (*common.Config, error) {
	v, err := common.Load(g.cfgFile, g.includes, g.profile)
	if err != nil {
		return nil, err
	}
	return common.Decode(v)
}

// withApp loads config, sets up logging and runs fn with a wired app.
func (g *globals) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := g.config()
	if err != nil {
		return err
	}
	if err := common.ValidateConfig(cfg, false); err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}
	logger := common.SetupLogger(cfg.Log)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.close(context.WithoutCancel(ctx)); cerr != nil {
			logger.Warn("shutdown", "error", cerr)
		}
	}()
	return fn(ctx, a)
}

// New returns the `execgate` root command.
func New() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "execgate",
		Short:         "Four-eyes gate for privileged SQL and container commands",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.cfgFile, "config", "", "config file path")
	pf.StringSliceVar(&g.includes, "include", nil, "extra config files merged in order")
	pf.StringVar(&g.profile, "profile", "", "profile overlay from profiles.<name>")
	pf.StringVar(&g.actor, "as", "", "acting user id")

	root.AddCommand(newIDCmd(), newConfigCmd(g), newMigrateCmd(g), newAuditCmd(), newRequestCmd(g))
	return root
}

func newIDCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "id",
		Short: "Generate identifiers",
		RunE: func(cmd *cobra.Command, args []string) error {
			for i := 0; i < n; i++ {
				fmt.Fprintln(cmd.OutOrStdout(), idgen.Generate())
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "count", "n", 1, "how many ids")
	return cmd
}

func newConfigCmd(g *globals) *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Configuration helpers"}
	test := &cobra.Command{
		Use:   "test",
		Short: "Validate and print effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.config()
			if err != nil {
				return err
			}
			if err := common.ValidateConfig(c, g.strict); err != nil {
				return fmt.Errorf("config invalid: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), c)
		},
	}
	test.Flags().BoolVar(&g.strict, "strict", false, "require production settings")
	cfg.AddCommand(test)
	return cfg
}

func newMigrateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the request tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.config()
			if err != nil {
				return err
			}
			logger := common.SetupLogger(c.Log)
			gdb, err := openDB(c)
			if err != nil {
				return err
			}
			if sqlDB, err := gdb.DB(); err == nil {
				defer sqlDB.Close()
			}
			if err := reqrepo.AutoMigrate(gdb); err != nil {
				return err
			}
			logger.Info("migration complete", "dialect", gdb.Dialector.Name())
			return nil
		},
	}
}

func newAuditCmd() *cobra.Command {
	audit := &cobra.Command{Use: "audit", Short: "Audit trail tools"}
	audit.AddCommand(&cobra.Command{
		Use:   "verify <file>",
		Short: "Check the hash chain of an audit file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := chain.VerifyFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d records OK\n", n)
			return nil
		},
	})
	return audit
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Execute runs the root command and reports the error through slog.
func Execute(ctx context.Context) int {
	if err := New().ExecuteContext(ctx); err != nil {
		slog.Error("execgate failed", "error", err)
		return 1
	}
	return 0
}
