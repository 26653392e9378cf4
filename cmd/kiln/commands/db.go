package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/kiln/am"
	"github.com/teranos/kiln/db"
	"github.com/teranos/kiln/proc"
	"github.com/teranos/kiln/run"
	"github.com/teranos/kiln/sym"
	"github.com/teranos/kiln/workspace"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage kiln database",
	Long: sym.DB + ` db: Manage kiln database operations

Examples:
  kiln db migrate                 # Apply pending migrations
  kiln db stats                   # Show run counts by status`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	Long:  "Display the schema version, workspace count and runs grouped by status",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	version, err := db.SchemaVersion(database)
	if err != nil {
		return err
	}
	pterm.Success.Printfln("Schema at version %s", version)
	return nil
}

// DBStats is the structured form of `db stats`
type DBStats struct {
	Path       string              `json:"path" yaml:"path"`
	Schema     string              `json:"schema" yaml:"schema"`
	Workspaces int                 `json:"workspaces" yaml:"workspaces"`
	Runs       map[proc.Status]int `json:"runs" yaml:"runs"`
}

func runDbStats(cmd *cobra.Command, args []string) error {
	path, err := am.GetDatabasePath()
	if err != nil {
		return err
	}
	database, err := openDatabase(path)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := cmd.Context()
	version, err := db.SchemaVersion(database)
	if err != nil {
		return err
	}
	workspaces, err := workspace.NewStore(database).List(ctx)
	if err != nil {
		return err
	}
	counts, err := run.NewStore(database).Stats(ctx)
	if err != nil {
		return err
	}

	stats := DBStats{Path: path, Schema: version, Workspaces: len(workspaces), Runs: counts}
	return printResult(cmd.OutOrStdout(), stats, func() pterm.TableData {
		data := pterm.TableData{
			{"Key", "Value"},
			{"Database", stats.Path},
			{"Schema", stats.Schema},
			{"Workspaces", fmt.Sprint(stats.Workspaces)},
		}
		for _, status := range []proc.Status{proc.StatusRunning, proc.StatusSuccess, proc.StatusFailed, proc.StatusCancelled} {
			data = append(data, []string{"Runs " + statusLabel(status), fmt.Sprint(stats.Runs[status])})
		}
		return data
	})
}
