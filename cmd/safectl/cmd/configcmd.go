package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ycx81/safety-supervisor/pkg/config"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

// configExampleCmd represents the config example command
var configExampleCmd = &cobra.Command{
	Use:   "example",
	Short: "Print an example supervisor configuration",
	Long:  `Print the default supervisor configuration as YAML, suitable as a starting point for /etc/safesup/safesup.yaml.`,
	RunE:  runConfigExample,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configExampleCmd)
}

func runConfigExample(cmd *cobra.Command, args []string) error {
	out, err := config.Default().YAML()
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}
