// Command creditledgerd runs the credit ledger HTTP service and its operator
// tools.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ronitervo/creditledger"
)

var rootCmd = &cobra.Command{
	Use:   "creditledgerd",
	Short: "Metered generation credit ledger",
	Long: `creditledgerd prices generation actions in credits, reserves credits
before each model call, settles the exact charge afterwards and grants credits
from verified store purchases.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "creditledger.yaml", "Path to the YAML config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (creditledger.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := creditledger.LoadConfig(path)
	if err != nil {
		return creditledger.Config{}, err
	}
	return cfg, nil
}
