package cmd

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show supervisor status",
	Long:  `Retrieve and display the safety state, watchdog status and context flags of the running supervisor.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

type statusResponse struct {
	State       string `json:"state"`
	UptimeMS    uint32 `json:"uptime_ms"`
	Operational bool   `json:"operational"`
	Context     struct {
		LastError         string `json:"-"`
		ErrorCount        uint32 `json:"error_count"`
		StartupTestPassed bool   `json:"startup_test_passed"`
		ParamsValid       bool   `json:"params_valid"`
		MPUEnabled        bool   `json:"mpu_enabled"`
		WatchdogActive    bool   `json:"watchdog_active"`
	} `json:"context"`
	Watchdog struct {
		Started        bool   `json:"started"`
		Degraded       bool   `json:"degraded"`
		Tokens         uint8  `json:"tokens"`
		RequiredTokens uint8  `json:"required_tokens"`
		FeedCount      uint32 `json:"feed_count"`
		MissedCount    uint32 `json:"missed_count"`
	} `json:"watchdog"`
	Host map[string]interface{} `json:"host,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	var result statusResponse
	if err := apiGet("/api/status", &result); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(result)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Property", "Value")
	table.Append([]string{"State", result.State})
	table.Append([]string{"Operational", yesNo(result.Operational)})
	table.Append([]string{"Uptime", fmt.Sprintf("%d ms", result.UptimeMS)})
	table.Append([]string{"Error Count", fmt.Sprintf("%d", result.Context.ErrorCount)})
	table.Append([]string{"Startup Test", yesNo(result.Context.StartupTestPassed)})
	table.Append([]string{"Params Valid", yesNo(result.Context.ParamsValid)})
	table.Append([]string{"MPU Enabled", yesNo(result.Context.MPUEnabled)})
	table.Append([]string{"Watchdog Active", yesNo(result.Context.WatchdogActive)})
	table.Append([]string{"Watchdog Degraded", yesNo(result.Watchdog.Degraded)})
	table.Append([]string{"Watchdog Tokens", fmt.Sprintf("0x%02X / 0x%02X",
		result.Watchdog.Tokens, result.Watchdog.RequiredTokens)})
	table.Append([]string{"Watchdog Feeds", fmt.Sprintf("%d", result.Watchdog.FeedCount)})
	table.Append([]string{"Watchdog Misses", fmt.Sprintf("%d", result.Watchdog.MissedCount)})
	table.Render()

	return nil
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
