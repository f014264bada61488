package cmd

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// paramsCmd represents the params command
var paramsCmd = &cobra.Command{
	Use:   "params",
	Short: "Show calibration parameters",
	Long:  `Retrieve and display the validated calibration parameter record and validation statistics.`,
	RunE:  runParams,
}

func init() {
	rootCmd.AddCommand(paramsCmd)
}

type paramsResponse struct {
	Valid bool `json:"valid"`
	Stats struct {
		ValidationCount uint32 `json:"validation_count"`
		PassCount       uint32 `json:"pass_count"`
		FailCount       uint32 `json:"fail_count"`
	} `json:"stats"`
	Params struct {
		Version         string     `json:"version"`
		HallOffset      [3]float32 `json:"hall_offset"`
		HallGain        [3]float32 `json:"hall_gain"`
		ADCGain         [8]float32 `json:"adc_gain"`
		ADCOffset       [8]float32 `json:"adc_offset"`
		SafetyThreshold [4]float32 `json:"safety_threshold"`
	} `json:"params"`
}

func runParams(cmd *cobra.Command, args []string) error {
	var result paramsResponse
	if err := apiGet("/api/params", &result); err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(result)
	}

	if !result.Valid {
		fmt.Printf("No valid calibration record (%d validations, %d failed)\n",
			result.Stats.ValidationCount, result.Stats.FailCount)
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Parameter", "Values")
	table.Append([]string{"Version", result.Params.Version})
	table.Append([]string{"Hall Offset", fmt.Sprintf("%v", result.Params.HallOffset)})
	table.Append([]string{"Hall Gain", fmt.Sprintf("%v", result.Params.HallGain)})
	table.Append([]string{"ADC Gain", fmt.Sprintf("%v", result.Params.ADCGain)})
	table.Append([]string{"ADC Offset", fmt.Sprintf("%v", result.Params.ADCOffset)})
	table.Append([]string{"Thresholds", fmt.Sprintf("%v", result.Params.SafetyThreshold)})
	table.Render()

	fmt.Printf("\nValidations: %d (%d passed, %d failed)\n",
		result.Stats.ValidationCount, result.Stats.PassCount, result.Stats.FailCount)
	return nil
}
