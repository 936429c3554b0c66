package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ashureev/pulseid/internal/config"
	"github.com/ashureev/pulseid/internal/store"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func sentLogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sent-log",
		Short: "Show the sent-email log, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			if db, _ := cmd.Flags().GetString("db"); db != "" {
				cfg.DBPath = db
			}
			limit, _ := cmd.Flags().GetInt("limit")
			asJSON, _ := cmd.Flags().GetBool("json")

			repo, err := store.NewSQLite(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open sent log: %w", err)
			}
			defer func() { _ = repo.Close() }()

			records, err := repo.ListSentEmails(cmd.Context(), limit)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}

			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No emails sent yet.")
				return nil
			}
			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"#", "Merchant", "Email", "Sent (UTC)"})
			for i, rec := range records {
				table.Append([]string{strconv.Itoa(i + 1), rec.MerchantID, rec.Email, rec.SentTime()})
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().Int("limit", 50, "Maximum rows to show (0 for all)")
	cmd.Flags().String("db", "", "Sent-email database (overrides DB_PATH)")
	cmd.Flags().Bool("json", false, "Print records as JSON")
	return cmd
}

