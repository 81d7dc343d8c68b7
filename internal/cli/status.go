package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// statusResponse mirrors controlapi.API.GetStatus's JSON shape.
type statusResponse struct {
	AgentCount        int
	ActiveAgents      int
	MonitoredChildren int
	RecentViolations  []violationView
	Settings          settingsView
	LastSync          time.Time
}

type violationView struct {
	Kind        string
	AgentID     string
	Hostname    string
	ProcessName string
	Reason      string
	At          time.Time
}

type settingsView struct {
	MonitorIntervalMs int
	WarningTimes      []int
	GracePeriodSec    int
	PauseOnIdle       bool
	KillOnViolation   bool
	NotifyParent      bool
	IdleThresholdMs   int64
}

// NewStatusCmd builds the status command: a one-shot fleet summary.
func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show fleet-wide status",
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	cliCtx := GetCLIContext(cmd)
	if cliCtx == nil {
		return fmt.Errorf("CLI context not initialized")
	}

	client, err := newAPIClient(cliCtx.Config)
	if err != nil {
		return err
	}

	var status statusResponse
	if err := client.get("/status", &status); err != nil {
		return err
	}

	bold := color.New(color.Bold)
	bold.Println("Fleet Status")
	fmt.Printf("  Agents:             %d total, %s online\n", status.AgentCount, color.GreenString("%d", status.ActiveAgents))
	fmt.Printf("  Monitored children: %d\n", status.MonitoredChildren)
	if !status.LastSync.IsZero() {
		fmt.Printf("  Last sync:          %s\n", status.LastSync.Local().Format(time.RFC1123))
	}
	fmt.Println()

	if len(status.RecentViolations) == 0 {
		fmt.Println("No recent violations.")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Time", "Agent", "Kind", "Detail"})
	for _, v := range status.RecentViolations {
		detail := v.Reason
		if v.ProcessName != "" {
			detail = v.ProcessName + ": " + detail
		}
		table.Append([]string{
			v.At.Local().Format("15:04:05"),
			v.Hostname,
			color.RedString(v.Kind),
			detail,
		})
	}
	table.Render()
	return nil
}
