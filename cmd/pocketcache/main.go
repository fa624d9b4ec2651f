// Command pocketcache is a small operational CLI around the local-first
// record cache: inspect and query the cache, run full-text searches,
// import a schema export, and trigger sync sweeps against the server.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

var rootCmd = &cobra.Command{
	Use:   "pocketcache",
	Short: "Local-first cache and sync for a PocketBase-style record API",
	Long: `pocketcache maintains a local SQLite cache of remote record collections
and reconciles offline writes with the server when connectivity returns.

Configuration is read from flags, environment variables (POCKETCACHE_*),
and an optional config file:

  db_path      path of the local cache database (default pocketcache.db)
  server_url   base URL of the remote API
  health_path  health endpoint used for connectivity checks (default /api/health)
  schema_path  path of an exported schema JSON file
  log_file     optional rotating log file; stderr when unset`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file path")
	rootCmd.PersistentFlags().String("db", "", "local cache database path")
	rootCmd.PersistentFlags().String("server", "", "remote API base URL")

	cobra.OnInitialize(initConfig)
}

func initConfig() {
	if cfg, _ := rootCmd.PersistentFlags().GetString("config"); cfg != "" {
		viper.SetConfigFile(cfg)
	} else {
		viper.SetConfigName("pocketcache")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("POCKETCACHE")
	viper.AutomaticEnv()

	viper.SetDefault("db_path", "pocketcache.db")
	viper.SetDefault("health_path", "/api/health")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Warning: failed to read config: %v\n", err)
		}
	}

	if db, _ := rootCmd.PersistentFlags().GetString("db"); db != "" {
		viper.Set("db_path", db)
	}
	if server, _ := rootCmd.PersistentFlags().GetString("server"); server != "" {
		viper.Set("server_url", server)
	}
}

// newLogger builds the shared logger, rotating through a file when
// log_file is configured.
func newLogger(prefix string) *log.Logger {
	var out io.Writer = os.Stderr
	if file := viper.GetString("log_file"); file != "" {
		out = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
	}
	return log.New(out, prefix, log.LstdFlags)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
