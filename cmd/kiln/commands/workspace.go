package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/kiln/sym"
	"github.com/teranos/kiln/workspace"
)

// WorkspaceCmd manages registered project directories
var WorkspaceCmd = &cobra.Command{
	Use:     "workspace",
	Aliases: []string{"ws"},
	Short:   sym.Workspace + " Register project directories",
	Long: sym.Workspace + ` workspace: Register project directories

A workspace is a project root. Runs and scripts belong to a workspace and
are removed with it.

Examples:
  kiln workspace add .                 # Register the current directory
  kiln workspace add ../token --name token
  kiln workspace ls
  kiln workspace rm <id|path>`,
}

var workspaceAddCmd = &cobra.Command{
	Use:   "add <dir>",
	Short: "Register a project directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspaceAdd,
}

var workspaceLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List workspaces",
	RunE:    runWorkspaceLs,
}

var workspaceRmCmd = &cobra.Command{
	Use:   "rm <id|path>",
	Short: "Remove a workspace with its runs and scripts",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspaceRm,
}

var workspaceName string

func init() {
	workspaceAddCmd.Flags().StringVar(&workspaceName, "name", "", "Display name (default: directory name)")

	WorkspaceCmd.AddCommand(workspaceAddCmd)
	WorkspaceCmd.AddCommand(workspaceLsCmd)
	WorkspaceCmd.AddCommand(workspaceRmCmd)
}

func runWorkspaceAdd(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	ws, err := workspace.NewStore(database).Create(cmd.Context(), workspaceName, args[0])
	if err != nil {
		return err
	}
	return printResult(cmd.OutOrStdout(), ws, func() pterm.TableData {
		return workspaceRows([]*workspace.Workspace{ws})
	})
}

func runWorkspaceLs(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	list, err := workspace.NewStore(database).List(cmd.Context())
	if err != nil {
		return err
	}
	return printResult(cmd.OutOrStdout(), list, func() pterm.TableData {
		return workspaceRows(list)
	})
}

func runWorkspaceRm(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := workspace.NewStore(database)
	ws, err := store.Resolve(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if err := store.Delete(cmd.Context(), ws.ID); err != nil {
		return err
	}
	pterm.Success.Printfln("Removed workspace %s (%s)", ws.Name, ws.Path)
	return nil
}

func workspaceRows(list []*workspace.Workspace) pterm.TableData {
	data := pterm.TableData{{"ID", "Name", "Path", "Created"}}
	for _, ws := range list {
		data = append(data, []string{ws.ID, ws.Name, ws.Path, ws.CreatedAt.Local().Format("2006-01-02 15:04")})
	}
	return data
}
