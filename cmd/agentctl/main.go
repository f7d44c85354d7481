package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "agentctl",
	Short: "Operate the agent action orchestrator",
	Long: `agentctl talks to the orchestrator REST API.

Submit tasks, review the approval queue, decide pending actions and read the audit
trail of a workspace. Credentials come from --api-key or --token, or from the
AGENTCTL_API_KEY and AGENTCTL_TOKEN environment variables.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("AGENTCTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.String("server", "http://localhost:8080", "orchestrator base URL")
	flags.String("api-key", "", "API key")
	flags.String("token", "", "bearer token")
	flags.StringP("workspace", "w", "", "workspace id (only honoured when the server skips auth)")
	flags.Duration("timeout", 30*time.Second, "request timeout")
	flags.Bool("json", false, "output JSON")
	for _, name := range []string{"server", "api-key", "token", "workspace", "timeout", "json"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(
		submitCmd(),
		pendingCmd(),
		approveCmd(),
		rejectCmd(),
		actionCmd(),
		auditCmd(),
		metricsCmd(),
		keyCmd(),
		tokenCmd(),
	)
}

func apiClient() *client {
	return newClient(
		viper.GetString("server"),
		viper.GetString("api-key"),
		viper.GetString("token"),
		viper.GetString("workspace"),
		viper.GetDuration("timeout"),
	)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
