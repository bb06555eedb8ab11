package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ronitervo/creditledger"
)

func init() {
	rootCmd.AddCommand(estimateCmd)
	estimateCmd.Flags().StringP("prompt", "p", "", "Prompt text")
	estimateCmd.Flags().StringP("file", "f", "", "Read the prompt from a file")
	estimateCmd.Flags().StringP("system", "s", "", "System instruction")
}

var estimateCmd = &cobra.Command{
	Use:   "estimate ACTION",
	Short: "Estimate the credit cost of an action",
	Long: `Estimate prices an action with the configured pricing curve, exactly as
the API estimate endpoint does. Nothing is reserved.`,
	Args: cobra.ExactArgs(1),
	RunE: runEstimate,
}

func runEstimate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	action, err := creditledger.ParseAction(args[0])
	if err != nil {
		return err
	}

	prompt, _ := cmd.Flags().GetString("prompt")
	if file, _ := cmd.Flags().GetString("file"); file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read prompt: %w", err)
		}
		prompt = string(b)
	}
	system, _ := cmd.Flags().GetString("system")

	curve, err := creditledger.NewPricingCurve(cfg.Pricing)
	if err != nil {
		return err
	}
	usage := creditledger.EstimateUsage(cfg.Actions, action, creditledger.Payload{
		Prompt:            prompt,
		SystemInstruction: system,
	})
	cost := curve.CostUSD(usage)
	billed := curve.Bill(cost)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Action:          %s\n", action)
	fmt.Fprintf(out, "Input tokens:    %d\n", usage.InputTokens)
	fmt.Fprintf(out, "Output tokens:   %d (+%d thinking)\n", usage.OutputTokens, usage.ThoughtTokens)
	fmt.Fprintf(out, "Cost (USD):      %s\n", cost.StringFixed(6))
	fmt.Fprintf(out, "Raw credits:     %s\n", creditledger.RoundCredits(curve.RawCredits(cost)).StringFixed(creditledger.CreditDecimals))
	fmt.Fprintf(out, "Billed credits:  %s\n", billed.StringFixed(creditledger.CreditDecimals))
	fmt.Fprintf(out, "Display credits: %d\n", creditledger.Display(billed))
	if usage.InputTokens > cfg.Ledger.MaxInputTokens {
		fmt.Fprintf(out, "\nInput exceeds ledger.max_input_tokens (%d); the API would reject it.\n", cfg.Ledger.MaxInputTokens)
	}
	return nil
}
