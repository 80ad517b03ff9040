package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/soypete/phraseguard/pkg/store"
)

func migrateCmd() *cobra.Command {
	var url string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the event store's database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if url == "" {
				url = cfg.Store.URL
			}
			if url == "" {
				return errors.New("no database url: set store.url, DATABASE_URL or --url")
			}

			pg, err := store.OpenPostgres(cmd.Context(), url)
			if err != nil {
				return err
			}
			defer pg.Close()

			if err := pg.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "Postgres connection URL (default from config)")
	return cmd
}
