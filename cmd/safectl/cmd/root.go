package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	supervisorURL string
	outputFormat  string
	cfgFile       string
	apiKey        string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "safectl",
	Short: "CLI for the safety supervisor",
	Long:  `safectl is a command line interface for inspecting and managing a running safety supervisor: state, error log, calibration parameters, stacks and memory protection.`,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.safectl/config)")
	rootCmd.PersistentFlags().StringVar(&supervisorURL, "supervisor", "", "supervisor API URL (default from config or http://localhost:8090)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key for mutating commands (default from config or SAFESUP_API_KEY)")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".safectl")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.AutomaticEnv()
	viper.BindEnv("supervisor_url", "SAFESUP_URL")
	viper.BindEnv("api_key", "SAFESUP_API_KEY")

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetString("supervisor_url") != "" && supervisorURL == "" {
			supervisorURL = viper.GetString("supervisor_url")
		}
	}

	if supervisorURL == "" && viper.GetString("supervisor_url") != "" {
		supervisorURL = viper.GetString("supervisor_url")
	}

	if supervisorURL == "" {
		supervisorURL = "http://localhost:8090"
	}

	if apiKey == "" {
		apiKey = viper.GetString("api_key")
	}
}

// GetSupervisorURL returns the configured supervisor URL with trailing slashes removed
func GetSupervisorURL() string {
	return strings.TrimRight(supervisorURL, "/")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// apiGet fetches a supervisor API path and decodes the JSON response
// into out.
func apiGet(path string, out interface{}) error {
	url := fmt.Sprintf("%s%s", GetSupervisorURL(), path)

	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to supervisor API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// apiPost performs a supervisor API POST and decodes the JSON response
// into out. The configured API key is attached when present.
func apiPost(path string, out interface{}) error {
	url := fmt.Sprintf("%s%s", GetSupervisorURL(), path)

	req, err := http.NewRequest(http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to supervisor API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// printJSON renders v as indented JSON.
func printJSON(v interface{}) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(output))
	return nil
}
