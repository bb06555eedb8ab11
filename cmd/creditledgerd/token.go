package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ronitervo/creditledger/attest"
	"github.com/ronitervo/creditledger/auth"
)

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	tokenCmd.Flags().String("attestation-key", "", "Also sign an attestation token with this hex secp256k1 private key")
}

var tokenCmd = &cobra.Command{
	Use:   "token USER_ID",
	Short: "Mint a bearer token for a user (development)",
	Args:  cobra.ExactArgs(1),
	RunE:  runToken,
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ttl, _ := cmd.Flags().GetDuration("ttl")

	authn, err := auth.New(cfg.Server.TokenSecret, auth.WithTTL(ttl))
	if err != nil {
		return fmt.Errorf("server.token_secret: %w", err)
	}
	token, err := authn.Issue(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Authorization: Bearer %s\n", token)

	key, _ := cmd.Flags().GetString("attestation-key")
	if key == "" {
		return nil
	}
	signer, err := attest.NewSigner(key)
	if err != nil {
		return err
	}
	now := time.Now()
	at, err := signer.Sign(attest.Claims{
		Subject:  args[0],
		IssuedAt: now.Unix(),
		Expiry:   now.Add(ttl).Unix(),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "X-Attestation-Token: %s\n", at)
	fmt.Fprintf(cmd.OutOrStdout(), "# server.attestation_public_key: %s\n", signer.PublicKeyHex())
	return nil
}
