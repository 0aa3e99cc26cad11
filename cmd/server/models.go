package main

import (
	"fmt"
	"text/tabwriter"

	"chatrelay/internal/config"
	"chatrelay/internal/models"

	"github.com/spf13/cobra"
)

func newModelsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the configured models",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			reg := newRegistry(cfg)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tPROVIDER\tDEFAULT")
			for _, m := range reg.List() {
				def := ""
				if m.ID == reg.Default() {
					def = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.ID, m.Name, m.Provider, def)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to chatrelay config file")
	return cmd
}

func newRegistry(cfg *config.Config) *models.Registry {
	list := make([]models.Model, 0, len(cfg.Models.Available))
	for _, m := range cfg.Models.Available {
		list = append(list, models.Model{ID: m.ID, Name: m.Name, Provider: m.Provider})
	}
	return models.NewRegistry(list, cfg.Models.Default)
}
