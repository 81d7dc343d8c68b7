package cli

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"guardloop/internal/model"
)

// Version metadata, injected at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// BuildInfo is version.go's JSON output shape.
type BuildInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// remoteAgentSummary mirrors controlapi.API.GetAgents's JSON shape, for the
// fields version.go's --remote flag reports.
type remoteAgentSummary struct {
	Hostname string
	Scripts  map[string]model.ScriptManifest
}

// NewVersionCmd builds the version command.
func NewVersionCmd() *cobra.Command {
	var jsonOutput bool
	var remote bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := BuildInfo{
				Version:   Version,
				GitCommit: GitCommit,
				BuildTime: BuildTime,
				GoVersion: runtime.Version(),
				OS:        runtime.GOOS,
				Arch:      runtime.GOARCH,
			}

			if jsonOutput {
				data, _ := json.MarshalIndent(info, "", "  ")
				fmt.Println(string(data))
			} else {
				fmt.Printf("guardloopd %s\n", info.Version)
				fmt.Printf("  Git commit: %s\n", info.GitCommit)
				fmt.Printf("  Built:      %s\n", info.BuildTime)
				fmt.Printf("  Go version: %s\n", info.GoVersion)
				fmt.Printf("  OS/Arch:    %s/%s\n", info.OS, info.Arch)
			}

			if !remote {
				return nil
			}
			return printRemoteComponentVersions(cmd)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().BoolVar(&remote, "remote", false, "also report deployed monitor/action script versions from a running guardloopd")

	return cmd
}

// printRemoteComponentVersions reports the monitor/action script versions
// guardloopd has deployed to each connected agent, the per-component
// version surface that actually exists in this system (agents have no
// independent build version of their own — they run whatever script
// guardloopd last pushed).
func printRemoteComponentVersions(cmd *cobra.Command) error {
	cliCtx := GetCLIContext(cmd)
	if cliCtx == nil {
		return fmt.Errorf("CLI context not initialized")
	}

	client, err := newAPIClient(cliCtx.Config)
	if err != nil {
		return err
	}

	var agents []remoteAgentSummary
	if err := client.get("/agents", &agents); err != nil {
		return err
	}

	fmt.Println()
	fmt.Println("Deployed agent script versions:")
	if len(agents) == 0 {
		fmt.Println("  (no agents connected)")
		return nil
	}
	for _, a := range agents {
		if len(a.Scripts) == 0 {
			fmt.Printf("  %s: (no scripts deployed)\n", a.Hostname)
			continue
		}
		fmt.Printf("  %s:\n", a.Hostname)
		for id, script := range a.Scripts {
			fmt.Printf("    %s: %s\n", id, script.Version)
		}
	}
	return nil
}
