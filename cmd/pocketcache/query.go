package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pocketcache/pocketcache/internal/schema"
	"github.com/pocketcache/pocketcache/internal/store"
)

// openStore opens the configured cache database, importing the schema
// export when one is configured.
func openStore() (*store.Store, error) {
	registry := schema.NewRegistry()
	if path := viper.GetString("schema_path"); path != "" {
		if err := registry.ImportFile(path); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}
	return store.Open(viper.GetString("db_path"), registry, newLogger("[store] "))
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

var queryCmd = &cobra.Command{
	Use:   "query <collection>",
	Short: "Query the local cache",
	Long: `Query a collection in the local cache using the remote API's query
surface: filter expressions, sort, field projection, and relation expand.

Examples:
  pocketcache query posts --filter 'status = "published"' --sort -created
  pocketcache query posts --filter 'tags ?= "go"' --limit 10 --expand author`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		filterExpr, _ := cmd.Flags().GetString("filter")
		sort, _ := cmd.Flags().GetString("sort")
		fields, _ := cmd.Flags().GetString("fields")
		expand, _ := cmd.Flags().GetString("expand")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		records, err := st.Query(context.Background(), args[0], store.QueryOptions{
			Filter: filterExpr,
			Sort:   sort,
			Fields: fields,
			Expand: expand,
			Limit:  limit,
			Offset: offset,
		})
		if err != nil {
			return err
		}
		return printJSON(records)
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Full-text search across the local cache",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		collection, _ := cmd.Flags().GetString("collection")
		records, err := st.Search(context.Background(), args[0], collection)
		if err != nil {
			return err
		}
		return printJSON(records)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-collection cache statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := context.Background()
		collections, err := st.Collections(ctx)
		if err != nil {
			return err
		}
		for _, name := range collections {
			total, err := st.Count(ctx, name, "")
			if err != nil {
				return err
			}
			pending, err := st.Count(ctx, name, "synced = false")
			if err != nil {
				return err
			}
			fmt.Printf("%-30s %6d records, %d pending sync\n", name, total, pending)
		}
		return nil
	},
}

func init() {
	queryCmd.Flags().String("filter", "", "filter expression")
	queryCmd.Flags().String("sort", "", "sort expression, e.g. -created,name")
	queryCmd.Flags().String("fields", "", "comma-separated field projection")
	queryCmd.Flags().String("expand", "", "comma-separated relation dot-paths")
	queryCmd.Flags().Int("limit", 0, "max results")
	queryCmd.Flags().Int("offset", 0, "results to skip")

	searchCmd.Flags().String("collection", "", "restrict search to one collection")

	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(statsCmd)
}
