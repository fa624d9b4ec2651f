package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pocketcache/pocketcache/internal/schema"
)

var schemaCmd = &cobra.Command{
	Use:   "schema <export.json>",
	Short: "Validate and adopt a schema export",
	Long: `Load a collections export (the JSON produced by the server's schema
export) and report what it describes. The path is remembered in the
config so later commands validate writes against it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		registry := schema.NewRegistry()
		if err := registry.ImportFile(args[0]); err != nil {
			return err
		}

		for _, col := range registry.Collections() {
			fmt.Printf("%s (%d fields)\n", col.Name, len(col.Fields))
			for _, f := range col.Fields {
				req := ""
				if f.Required {
					req = " required"
				}
				fmt.Printf("  %-24s %s%s\n", f.Name, f.Type, req)
			}
		}

		viper.Set("schema_path", args[0])
		if viper.ConfigFileUsed() != "" {
			if err := viper.WriteConfig(); err != nil {
				return fmt.Errorf("failed to persist schema_path: %w", err)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(schemaCmd)
}
