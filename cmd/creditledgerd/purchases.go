package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(purchasesCmd)
	purchasesCmd.AddCommand(purchasesPendingCmd)

	purchasesPendingCmd.Flags().IntP("limit", "n", 100, "Maximum number of records to list")
}

var purchasesCmd = &cobra.Command{
	Use:   "purchases",
	Short: "Inspect purchase records",
}

var purchasesPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List credited purchases whose store consumption has not succeeded",
	Long: `List purchases that were credited but not yet consumed on the store side.
The purchase token is never stored, so consumption is retried when the client
resubmits the purchase. Records listed here for long indicate clients that
never came back.`,
	Args: cobra.NoArgs,
	RunE: runPurchasesPending,
}

func runPurchasesPending(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")

	st, closeStore, err := openStore(cmd.Context(), cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	recs, err := st.ListPendingConsumption(cmd.Context(), limit)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No purchases pending consumption.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSER\tPRODUCT\tCREDITS\tUPDATED\tLAST ERROR")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID[:12],
			r.UserID,
			r.ProductID,
			r.CreditsGranted.String(),
			r.UpdatedAt.Format(time.RFC3339),
			r.LastError,
		)
	}
	return w.Flush()
}
