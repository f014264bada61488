package cmd

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// errorsCmd represents the errors command
var errorsCmd = &cobra.Command{
	Use:   "errors",
	Short: "Show the safety error log",
	Long:  `Retrieve and display the supervisor's recent error log entries.`,
	RunE:  runErrors,
}

// errorsClearCmd represents the errors clear command
var errorsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the last error code",
	Long:  `Clear the supervisor's last error code. Only permitted in NORMAL state.`,
	RunE:  runErrorsClear,
}

func init() {
	rootCmd.AddCommand(errorsCmd)
	errorsCmd.AddCommand(errorsClearCmd)
}

type errorsResponse struct {
	LastError  string `json:"last_error"`
	ErrorCount uint32 `json:"error_count"`
	Recent     []struct {
		Timestamp uint32 `json:"timestamp"`
		Code      uint8  `json:"code"`
		Param1    uint32 `json:"param1"`
		Param2    uint32 `json:"param2"`
	} `json:"recent"`
}

func runErrors(cmd *cobra.Command, args []string) error {
	var result errorsResponse
	if err := apiGet("/api/errors", &result); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(result)
	}

	fmt.Printf("Last error: %s (total %d)\n", result.LastError, result.ErrorCount)
	if len(result.Recent) == 0 {
		fmt.Println("No errors logged")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Time (ms)", "Code", "Param1", "Param2")
	for _, e := range result.Recent {
		table.Append([]string{
			fmt.Sprintf("%d", e.Timestamp),
			fmt.Sprintf("0x%02X", e.Code),
			fmt.Sprintf("0x%08X", e.Param1),
			fmt.Sprintf("0x%08X", e.Param2),
		})
	}
	table.Render()

	return nil
}

func runErrorsClear(cmd *cobra.Command, args []string) error {
	var result map[string]string
	if err := apiPost("/api/errors/clear", &result); err != nil {
		return err
	}
	fmt.Println("Last error cleared")
	return nil
}
