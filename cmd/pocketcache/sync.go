package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pocketcache/pocketcache/internal/connectivity"
	"github.com/pocketcache/pocketcache/internal/policy"
	"github.com/pocketcache/pocketcache/internal/syncer"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push pending offline writes to the server",
	Long: `Run one sync sweep: find every cached record with pending local changes
and replay it against the remote API. Tombstoned records are deleted
remotely, locally-created records are POSTed, and edits are PATCHed.
Records that fail are left pending for the next sweep.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		serverURL := viper.GetString("server_url")
		if serverURL == "" {
			return fmt.Errorf("no server configured (set --server or POCKETCACHE_SERVER_URL)")
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		client := newHTTPClient(serverURL)

		monCfg := connectivity.DefaultConfig()
		monCfg.Logger = newLogger("[connectivity] ")
		monitor := connectivity.NewMonitor(
			&connectivity.HTTPProbe{URL: serverURL + viper.GetString("health_path")},
			monCfg,
		)

		ctx := context.Background()
		if !monitor.CheckNow(ctx) {
			return fmt.Errorf("server unreachable at %s", serverURL)
		}

		schedCfg := syncer.DefaultConfig()
		schedCfg.Logger = newLogger("[sync] ")
		sched := syncer.New(monitor, schedCfg)

		collections, err := st.Collections(ctx)
		if err != nil {
			return err
		}
		if len(collections) == 0 {
			fmt.Fprintln(os.Stderr, "Nothing to sync: cache is empty")
			return nil
		}
		for _, name := range collections {
			sched.Register(policy.NewService(name, st, client, monitor, newLogger("[policy] ")))
		}

		return sched.SweepNow(ctx)
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
