package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"liveconsult/internal/auth"
	"liveconsult/internal/config"

	"github.com/spf13/cobra"
)

var (
	flagUserID   uint
	flagRoles    string
	flagTTLMin   int
	flagNoExpiry bool
)

// tokenCmd generates an HS256 JWT for testing/admin usage.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Generate a JWT (HS256) for API and websocket authentication",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagUserID == 0 {
			return errors.New("--user-id is required")
		}
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		ttl := time.Duration(flagTTLMin) * time.Minute
		if flagNoExpiry {
			ttl = 0
		}
		tok, err := auth.Issue(cfg.JWT.Secret, flagUserID, splitList(flagRoles), ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func init() {
	tokenCmd.Flags().UintVar(&flagUserID, "user-id", 0, "user id claim (user_id/sub)")
	tokenCmd.Flags().StringVar(&flagRoles, "roles", "", "comma-separated roles, e.g. provider,admin")
	tokenCmd.Flags().IntVar(&flagTTLMin, "ttl", 60, "token TTL in minutes")
	tokenCmd.Flags().BoolVar(&flagNoExpiry, "no-exp", false, "do not set exp")
	rootCmd.AddCommand(tokenCmd)
}
