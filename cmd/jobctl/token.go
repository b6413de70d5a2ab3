package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"mediajobs/internal/middleware"
)

var (
	tokenOwner string
	tokenTTL   time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an owner token signed with $JWT_SECRET",
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := os.Getenv("JWT_SECRET")
		if secret == "" {
			return fmt.Errorf("JWT_SECRET is not set")
		}
		token, err := middleware.IssueOwnerToken(secret, tokenOwner, tokenTTL, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenOwner, "owner", "", "account id placed in the token subject")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime, 0 for no expiry")
	_ = tokenCmd.MarkFlagRequired("owner")
	rootCmd.AddCommand(tokenCmd)
}
