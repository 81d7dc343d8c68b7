package cli

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// agentSummary mirrors controlapi.API.GetAgents's JSON shape.
type agentSummary struct {
	ID             string
	Hostname       string
	Platform       string
	Online         bool
	ChildID        string
	Enabled        bool
	CurrentSession *sessionView
}

type sessionView struct {
	Username string
}

// NewAgentsCmd builds the agents command: a table of every known agent.
func NewAgentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List known agents",
		RunE:  runAgents,
	}
}

func runAgents(cmd *cobra.Command, args []string) error {
	cliCtx := GetCLIContext(cmd)
	if cliCtx == nil {
		return fmt.Errorf("CLI context not initialized")
	}

	client, err := newAPIClient(cliCtx.Config)
	if err != nil {
		return err
	}

	var agents []agentSummary
	if err := client.get("/agents", &agents); err != nil {
		return err
	}

	if len(agents) == 0 {
		fmt.Println("No agents have connected yet.")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Hostname", "Platform", "Status", "Child", "Enabled", "User"})
	for _, a := range agents {
		status := color.RedString("offline")
		if a.Online {
			status = color.GreenString("online")
		}
		enabled := color.GreenString("yes")
		if !a.Enabled {
			enabled = color.YellowString("no")
		}
		childID := a.ChildID
		if childID == "" {
			childID = "-"
		}
		username := "-"
		if a.CurrentSession != nil {
			username = a.CurrentSession.Username
		}
		table.Append([]string{a.Hostname, a.Platform, status, childID, enabled, username})
	}
	table.Render()
	return nil
}
