package cmd

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// stacksCmd represents the stacks command
var stacksCmd = &cobra.Command{
	Use:   "stacks",
	Short: "Show task stack usage",
	Long:  `Retrieve and display stack usage for every monitored task.`,
	RunE:  runStacks,
}

func init() {
	rootCmd.AddCommand(stacksCmd)
}

type stackInfo struct {
	Name         string `json:"name"`
	StackSize    uint32 `json:"stack_size"`
	UsedBytes    uint32 `json:"used_bytes"`
	FreeBytes    uint32 `json:"free_bytes"`
	UsagePercent uint32 `json:"usage_percent"`
	Critical     bool   `json:"critical"`
}

func runStacks(cmd *cobra.Command, args []string) error {
	var result []stackInfo
	if err := apiGet("/api/stacks", &result); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(result)
	}

	if len(result) == 0 {
		fmt.Println("No tasks monitored")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Task", "Size", "Used", "Free", "Usage", "Critical")
	for _, s := range result {
		table.Append([]string{
			s.Name,
			fmt.Sprintf("%d", s.StackSize),
			fmt.Sprintf("%d", s.UsedBytes),
			fmt.Sprintf("%d", s.FreeBytes),
			fmt.Sprintf("%d%%", s.UsagePercent),
			yesNo(s.Critical),
		})
	}
	table.Render()

	return nil
}
