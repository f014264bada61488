package cmd

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// mpuCmd represents the mpu command
var mpuCmd = &cobra.Command{
	Use:   "mpu",
	Short: "Show memory protection regions",
	Long:  `Retrieve and display the configured memory protection regions and violation count.`,
	RunE:  runMPU,
}

func init() {
	rootCmd.AddCommand(mpuCmd)
}

type mpuResponse struct {
	Enabled    bool   `json:"enabled"`
	Violations uint32 `json:"violations"`
	Regions    []struct {
		Number           int    `json:"number"`
		Name             string `json:"name"`
		BaseAddr         uint32 `json:"base_addr"`
		SizeCode         uint8  `json:"size_code"`
		Access           uint8  `json:"access"`
		ExecuteNever     bool   `json:"execute_never"`
		SubregionDisable uint8  `json:"subregion_disable"`
		Enabled          bool   `json:"enabled"`
	} `json:"regions"`
}

func runMPU(cmd *cobra.Command, args []string) error {
	var result mpuResponse
	if err := apiGet("/api/mpu", &result); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(result)
	}

	fmt.Printf("Protection enabled: %s (violations: %d)\n\n",
		yesNo(result.Enabled), result.Violations)

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("#", "Name", "Base", "Size", "XN", "Subregions", "Enabled")
	for _, r := range result.Regions {
		size := uint64(1) << (uint(r.SizeCode) + 1)
		table.Append([]string{
			fmt.Sprintf("%d", r.Number),
			r.Name,
			fmt.Sprintf("0x%08X", r.BaseAddr),
			formatSize(size),
			yesNo(r.ExecuteNever),
			fmt.Sprintf("0x%02X", r.SubregionDisable),
			yesNo(r.Enabled),
		})
	}
	table.Render()

	return nil
}

func formatSize(bytes uint64) string {
	switch {
	case bytes >= 1<<20:
		return fmt.Sprintf("%dMB", bytes>>20)
	case bytes >= 1<<10:
		return fmt.Sprintf("%dKB", bytes>>10)
	default:
		return fmt.Sprintf("%dB", bytes)
	}
}
