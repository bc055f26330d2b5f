package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/cobra"

	"github.com/rjsadow/attentive/internal/config"
	"github.com/rjsadow/attentive/internal/db"
)

type journalFlags struct {
	dbType string
	dsn    string
}

// resolve fills unset flags from the relay's environment.
func (f *journalFlags) resolve() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load relay configuration: %w", err)
	}
	if f.dbType == "" {
		f.dbType = cfg.DBType
	}
	if f.dsn == "" {
		switch f.dbType {
		case cfg.DBType:
			f.dsn = cfg.DSN()
		case "sqlite":
			f.dsn = cfg.DB
		case "postgres":
			f.dsn = cfg.DBDSN
		}
	}
	if f.dsn == "" {
		return errors.New("--dsn is required (or set ATTENTIVE_DB / ATTENTIVE_DB_DSN)")
	}
	return nil
}

func newRootCmd() *cobra.Command {
	flags := &journalFlags{}

	root := &cobra.Command{
		Use:          "migrate",
		Short:        "Apply or inspect channel journal migrations",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil)))
			return flags.resolve()
		},
	}
	root.PersistentFlags().StringVar(&flags.dbType, "db-type", "", "journal database type: sqlite or postgres (default $ATTENTIVE_DB_TYPE)")
	root.PersistentFlags().StringVar(&flags.dsn, "dsn", "", "SQLite path or PostgreSQL DSN (default $ATTENTIVE_DB or $ATTENTIVE_DB_DSN)")

	withMigrator := func(run func(cmd *cobra.Command, m *migrate.Migrate, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			m, err := db.NewMigrator(flags.dbType, flags.dsn)
			if err != nil {
				return err
			}
			defer m.Close()
			return run(cmd, m, args)
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: withMigrator(func(cmd *cobra.Command, m *migrate.Migrate, _ []string) error {
				err := m.Up()
				if errors.Is(err, migrate.ErrNoChange) {
					fmt.Fprintln(cmd.OutOrStdout(), "journal schema is up to date")
					return nil
				}
				if err != nil {
					return err
				}
				slog.Info("journal migrated up", "db_type", flags.dbType)
				return printVersion(cmd, m)
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			Args:  cobra.NoArgs,
			RunE: withMigrator(func(cmd *cobra.Command, m *migrate.Migrate, _ []string) error {
				if err := m.Steps(-1); err != nil {
					return err
				}
				slog.Info("journal rolled back one migration", "db_type", flags.dbType)
				return printVersion(cmd, m)
			}),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied migration version",
			Args:  cobra.NoArgs,
			RunE: withMigrator(func(cmd *cobra.Command, m *migrate.Migrate, _ []string) error {
				return printVersion(cmd, m)
			}),
		},
		&cobra.Command{
			Use:   "force VERSION",
			Short: "Mark VERSION as applied and clear the dirty flag",
			Args:  cobra.ExactArgs(1),
			RunE: withMigrator(func(cmd *cobra.Command, m *migrate.Migrate, args []string) error {
				version, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version %q: %w", args[0], err)
				}
				if err := m.Force(version); err != nil {
					return err
				}
				slog.Warn("journal migration version forced", "db_type", flags.dbType, "version", version)
				return printVersion(cmd, m)
			}),
		},
	)
	return root
}

func printVersion(cmd *cobra.Command, m *migrate.Migrate) error {
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		fmt.Fprintln(cmd.OutOrStdout(), "no migrations applied")
		return nil
	}
	if err != nil {
		return err
	}
	if dirty {
		fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty)\n", version)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "version %d\n", version)
	return nil
}
