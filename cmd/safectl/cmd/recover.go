package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// recoverCmd represents the recover command
var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Recover from degraded mode",
	Long:  `Request a DEGRADED to NORMAL transition. The supervisor validates the transition and resumes the watchdog token check with a clean slate.`,
	RunE:  runRecover,
}

func init() {
	rootCmd.AddCommand(recoverCmd)
}

func runRecover(cmd *cobra.Command, args []string) error {
	var result map[string]string
	if err := apiPost("/api/recover", &result); err != nil {
		return err
	}
	fmt.Println("Recovery to NORMAL accepted")
	return nil
}
