package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"liveconsult/internal/auth"
	"liveconsult/internal/config"

	"github.com/spf13/cobra"
)

var (
	decToken  string
	decVerify bool
	decSecret string
)

// decodeTokenCmd prints JWT header/payload; optionally verifies HS256 signature/time claims.
var decodeTokenCmd = &cobra.Command{
	Use:   "token-decode",
	Short: "Decode a JWT and optionally verify HS256 signature",
	Long:  "Decode a compact JWT (header.payload.signature). With --verify, check the HS256 signature using jwt.secret from config (or --secret).",
	RunE: func(cmd *cobra.Command, args []string) error {
		token := decToken
		if token == "" && len(args) > 0 {
			token = args[0]
		}
		if token == "" {
			return errors.New("missing token (pass via --token or arg)")
		}
		header, payload, err := auth.Decode(token)
		if err != nil {
			return err
		}
		pretty := func(v any) string {
			b, _ := json.MarshalIndent(v, "", "  ")
			return string(b)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Header:")
		fmt.Fprintln(out, pretty(header))
		fmt.Fprintln(out, "Payload:")
		fmt.Fprintln(out, pretty(payload))

		if decVerify {
			secret := decSecret
			if secret == "" {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				secret = cfg.JWT.Secret
			}
			uid, _, err := auth.ParseUser(secret, token)
			if err != nil {
				return fmt.Errorf("verify: %w", err)
			}
			fmt.Fprintf(out, "Verified: user_id=%d\n", uid)
		}
		return nil
	},
}

func init() {
	decodeTokenCmd.Flags().StringVar(&decToken, "token", "", "JWT to decode")
	decodeTokenCmd.Flags().BoolVar(&decVerify, "verify", false, "verify signature and time claims")
	decodeTokenCmd.Flags().StringVar(&decSecret, "secret", "", "override jwt.secret for verification")
	rootCmd.AddCommand(decodeTokenCmd)
}
