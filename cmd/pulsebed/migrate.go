package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/banshee-data/pulsebed/internal/db"
)

func newMigrateCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Inspect or change the database schema version",
		Long: `migrate manages the embedded schema migrations. The database is migrated
up automatically when it is opened, so these commands are for recovering from
a failed migration or stepping back before a downgrade.`,
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", defaultDBPath, "SQLite database path")

	open := func() (*db.DB, error) {
		return db.NewDBWithoutMigrations(dbPath)
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := open()
				if err != nil {
					return err
				}
				defer store.Close()
				if err := store.MigrateUp(); err != nil {
					return err
				}
				return printVersion(cmd, store)
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back one migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := open()
				if err != nil {
					return err
				}
				defer store.Close()
				if err := store.MigrateDown(); err != nil {
					return err
				}
				return printVersion(cmd, store)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current and latest schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := open()
				if err != nil {
					return err
				}
				defer store.Close()
				return printVersion(cmd, store)
			},
		},
		&cobra.Command{
			Use:   "to VERSION",
			Short: "Migrate up or down to VERSION",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				v, err := strconv.ParseUint(args[0], 10, 32)
				if err != nil {
					return fmt.Errorf("invalid version %q: %w", args[0], err)
				}
				store, err := open()
				if err != nil {
					return err
				}
				defer store.Close()
				if err := store.MigrateTo(uint(v)); err != nil {
					return err
				}
				return printVersion(cmd, store)
			},
		},
		&cobra.Command{
			Use:   "force VERSION",
			Short: "Set the schema version without running migrations, clearing the dirty flag",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				v, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version %q: %w", args[0], err)
				}
				store, err := open()
				if err != nil {
					return err
				}
				defer store.Close()
				if err := store.MigrateForce(v); err != nil {
					return err
				}
				return printVersion(cmd, store)
			},
		},
	)
	return cmd
}

func printVersion(cmd *cobra.Command, store *db.DB) error {
	v, dirty, err := store.MigrateVersion()
	if err != nil {
		return err
	}
	latest, err := db.LatestMigrationVersion()
	if err != nil {
		return err
	}
	state := "clean"
	if dirty {
		state = "dirty"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d of %d (%s)\n", v, latest, state)
	return nil
}
