package main

import (
	"fmt"

	"github.com/ashureev/pulseid/internal/config"
	"github.com/ashureev/pulseid/internal/session"
	"github.com/ashureev/pulseid/internal/templates"
	"github.com/spf13/cobra"
)

func templatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Inspect email templates",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List available templates",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openTemplates()
			if err != nil {
				return err
			}
			for _, name := range store.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "check [name...]",
		Short: "Check that templates format with merchant data",
		Long: `Apply each template to placeholder merchant data and report
templates that would fail at generation time. Checks every template when no
names are given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openTemplates()
			if err != nil {
				return err
			}
			names := args
			if len(names) == 0 {
				names = store.Names()
			}

			failed := 0
			values := map[string]string{session.MerchantDataField: "<merchant data>"}
			for _, name := range names {
				body, err := store.Load(name)
				if err == nil {
					_, err = templates.Format(body, values)
				}
				if err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "FAIL  %s: %v\n", name, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ok    %s\n", name)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d templates failed", failed, len(names))
			}
			return nil
		},
	})
	return cmd
}

func openTemplates() (*templates.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	store, err := templates.NewStore(cfg.TemplateDir, nil)
	if err != nil {
		return nil, fmt.Errorf("open template directory: %w", err)
	}
	return store, nil
}
