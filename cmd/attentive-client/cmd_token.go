package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rjsadow/attentive/internal/auth"
)

var tokenFlags struct {
	secret string
	ttl    time.Duration
}

func init() {
	tokenCmd.Flags().StringVar(&tokenFlags.secret, "secret", os.Getenv("ATTENTIVE_JWT_SECRET"), "relay signing secret")
	tokenCmd.Flags().DurationVar(&tokenFlags.ttl, "ttl", 24*time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print a bearer token for --user signed with the relay secret",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if clientFlags.user == "" {
			return errors.New("--user is required")
		}
		authenticator := auth.NewTokenAuthenticator(tokenFlags.secret)
		if authenticator == nil {
			return errors.New("--secret or ATTENTIVE_JWT_SECRET is required")
		}
		token, err := authenticator.Issue(clientFlags.user, tokenFlags.ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}
