package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/necrocode/necrocode/internal/registry"
	"github.com/necrocode/necrocode/internal/registry/sqlcache"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Maintain the optional SQLite read-index over the registry",
}

var cacheRebuildCmd = &cobra.Command{
	Use:   "rebuild <spec_name>",
	Short: "Rebuild the SQLite secondary index for a taskset from its JSON document and event log",
	Args:  cobra.ExactArgs(1),
	RunE:  runCacheRebuild,
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheRebuildCmd)
}

func runCacheRebuild(cmd *cobra.Command, args []string) error {
	reg, err := openRegistry()
	if err != nil {
		return err
	}
	ts, err := reg.GetTaskset(args[0])
	if err != nil {
		return err
	}
	events, err := reg.QueryEvents(args[0], registry.TimeRange{}, "")
	if err != nil {
		return err
	}

	dbPath := viper.GetString("registry.sqlcache_path")
	if dbPath == "" {
		dbPath = filepath.Join(viper.GetString("registry.dir"), "sqlcache.db")
		if viper.GetString("registry.dir") == "" {
			dbPath = filepath.Join("./data/registry", "sqlcache.db")
		}
	}
	c, err := sqlcache.Open(dbPath)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Rebuild(ts, events); err != nil {
		return err
	}
	fmt.Printf("rebuilt sqlcache for %q: %d tasks, %d events\n", ts.SpecName, len(ts.Tasks), len(events))
	return nil
}
