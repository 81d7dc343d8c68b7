package cli

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"guardloop/internal/config"
)

// NewDoctorCmd creates the doctor command.
func NewDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose guardloopd's configuration and connectivity",
		Long: `Run diagnostic checks on a guardloopd installation.

This command checks:
- Configuration file validity
- JWT secret presence
- State directory accessibility
- Control API connectivity`,
		RunE: runDoctor,
	}
}

type checkResult struct {
	name    string
	status  string // ok, warning, error
	message string
}

func runDoctor(cmd *cobra.Command, args []string) error {
	fmt.Println("guardloopd Doctor")
	fmt.Println("=================")
	fmt.Println()

	cliCtx := GetCLIContext(cmd)

	results := []checkResult{
		checkSystemInfo(),
		checkConfigFile(cliCtx),
		checkJWTSecret(cliCtx),
		checkStateDirectory(cliCtx),
		checkControlAPI(cliCtx),
	}

	hasErrors := false
	hasWarnings := false
	for _, r := range results {
		icon := "OK"
		switch r.status {
		case "warning":
			icon = "WARN"
			hasWarnings = true
		case "error":
			icon = "FAIL"
			hasErrors = true
		}
		fmt.Printf("[%s] %s: %s\n", icon, r.name, r.message)
	}

	fmt.Println()
	switch {
	case hasErrors:
		fmt.Println("Some checks failed. Address the issues above.")
	case hasWarnings:
		fmt.Println("Some warnings detected. guardloopd should still run.")
	default:
		fmt.Println("All checks passed.")
	}
	return nil
}

func checkSystemInfo() checkResult {
	return checkResult{
		name:    "System",
		status:  "ok",
		message: fmt.Sprintf("Go %s on %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
	}
}

func checkConfigFile(cliCtx *CLIContext) checkResult {
	if cliCtx == nil {
		return checkResult{name: "Config File", status: "error", message: "failed to load configuration"}
	}
	if _, err := os.Stat(cliCtx.ConfigPath); os.IsNotExist(err) {
		return checkResult{
			name:    "Config File",
			status:  "warning",
			message: fmt.Sprintf("not found: %s (using defaults)", cliCtx.ConfigPath),
		}
	}
	return checkResult{name: "Config File", status: "ok", message: fmt.Sprintf("found: %s", cliCtx.ConfigPath)}
}

func checkJWTSecret(cliCtx *CLIContext) checkResult {
	if cliCtx == nil {
		return checkResult{name: "JWT Secret", status: "error", message: "no configuration loaded"}
	}
	if cliCtx.Config.ControlAPI.JWTSecret == "" {
		return checkResult{
			name:    "JWT Secret",
			status:  "error",
			message: "control_api.jwt_secret is empty — the Control API cannot issue tokens",
		}
	}
	if len(cliCtx.Config.ControlAPI.JWTSecret) < 16 {
		return checkResult{name: "JWT Secret", status: "warning", message: "control_api.jwt_secret is short; prefer 32+ random bytes"}
	}
	return checkResult{name: "JWT Secret", status: "ok", message: "configured"}
}

func checkStateDirectory(cliCtx *CLIContext) checkResult {
	statePath := ""
	if cliCtx != nil {
		statePath = cliCtx.Config.State.Path
	}
	if statePath == "" {
		var err error
		statePath, err = config.DefaultStatePath()
		if err != nil {
			return checkResult{name: "State Directory", status: "error", message: err.Error()}
		}
	}

	dir := filepath.Dir(statePath)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return checkResult{name: "State Directory", status: "warning", message: fmt.Sprintf("will be created: %s", dir)}
	}

	testFile := filepath.Join(dir, ".guardloop-doctor-test")
	if err := os.WriteFile(testFile, []byte("test"), 0600); err != nil {
		return checkResult{name: "State Directory", status: "error", message: fmt.Sprintf("cannot write to %s", dir)}
	}
	os.Remove(testFile)

	if info, err := os.Stat(statePath); err == nil {
		return checkResult{
			name:    "State Directory",
			status:  "ok",
			message: fmt.Sprintf("ready: %s (state file: %d bytes)", dir, info.Size()),
		}
	}
	return checkResult{name: "State Directory", status: "ok", message: fmt.Sprintf("ready: %s (state file will be created)", dir)}
}

func checkControlAPI(cliCtx *CLIContext) checkResult {
	if cliCtx == nil {
		return checkResult{name: "Control API", status: "warning", message: "no configuration loaded, skipped"}
	}
	client, err := newAPIClient(cliCtx.Config)
	if err != nil {
		return checkResult{name: "Control API", status: "error", message: err.Error()}
	}

	httpClient := &http.Client{Timeout: 3 * time.Second}
	req, _ := http.NewRequest(http.MethodGet, client.baseURL+"/status", nil)
	req.Header.Set("Authorization", "Bearer "+client.token)
	resp, err := httpClient.Do(req)
	if err != nil {
		return checkResult{
			name:    "Control API",
			status:  "warning",
			message: fmt.Sprintf("not reachable at %s (start with: guardloopd serve)", client.baseURL),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return checkResult{name: "Control API", status: "error", message: fmt.Sprintf("returned %s", resp.Status)}
	}
	return checkResult{name: "Control API", status: "ok", message: fmt.Sprintf("running at %s", client.baseURL)}
}
