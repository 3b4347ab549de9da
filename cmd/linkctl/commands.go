package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/sitegrade/purchaselink/internal/config"
	"github.com/sitegrade/purchaselink/internal/linktoken"
)

// errInvalidToken makes inspect exit non-zero for anything but a valid token.
var errInvalidToken = errors.New("token is not valid")

func signingKey(getenv func(string) string) (linktoken.SigningKey, error) {
	return linktoken.NewSigningKey(getenv(linktoken.SecretEnv))
}

func issueCmd(getenv func(string) string) *cobra.Command {
	var (
		req     linktoken.IssueRequest
		ttl     time.Duration
		baseURL string
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Sign a new purchase-link token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := signingKey(getenv)
			if err != nil {
				return err
			}
			if baseURL == "" {
				baseURL = getenv("PURCHASE_BASE_URL")
			}
			if baseURL == "" {
				baseURL = config.DefaultPurchaseBaseURL
			}

			issuer, err := linktoken.NewIssuer(key, ttl)
			if err != nil {
				return err
			}
			token, payload, err := issuer.Issue(req)
			if err != nil {
				return err
			}
			link, err := linktoken.BuildPurchaseURL(baseURL, token)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, map[string]interface{}{
					"token":       token,
					"url":         link,
					"fingerprint": linktoken.Fingerprint(token),
					"payload":     payload,
				})
			}
			fmt.Fprintf(out, "Token:       %s\n", token)
			fmt.Fprintf(out, "URL:         %s\n", link)
			fmt.Fprintf(out, "Fingerprint: %s\n", linktoken.Fingerprint(token))
			fmt.Fprintf(out, "Expires:     %s\n", time.Unix(payload.ExpiresAt, 0).UTC().Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&req.BusinessID, "business-id", "", "Business identifier (required)")
	cmd.Flags().StringVar(&req.BusinessName, "business-name", "", "Business display name (required)")
	cmd.Flags().Int64Var(&req.Price, "price", 0, "Price in minor currency units")
	cmd.Flags().Int64Var(&req.Value, "value", 0, "Estimated value in minor currency units")
	cmd.Flags().StringVar(&req.CampaignID, "campaign", "", "Campaign identifier")
	cmd.Flags().Int64Var(&req.PreviewPages, "preview-pages", 0, "Number of assessment pages to preview")
	cmd.Flags().DurationVar(&ttl, "ttl", linktoken.DefaultTTL, "Token lifetime")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "Purchase page URL (default $PURCHASE_BASE_URL)")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")
	_ = cmd.MarkFlagRequired("business-id")
	_ = cmd.MarkFlagRequired("business-name")

	return cmd
}

func inspectCmd(getenv func(string) string) *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "inspect <token>",
		Short: "Validate a token and show its terms",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := signingKey(getenv)
			if err != nil {
				return err
			}
			now := time.Now()
			if at != "" {
				now, err = time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
			}

			res := linktoken.Validate(args[0], key, now)
			out := map[string]interface{}{
				"status":      res.Status.String(),
				"fingerprint": linktoken.Fingerprint(args[0]),
			}
			if res.Payload != nil {
				out["payload"] = res.Payload
			}
			if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			if !res.Valid() {
				return fmt.Errorf("%w: %s", errInvalidToken, res.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "Evaluate expiry at this RFC 3339 time instead of now")
	return cmd
}

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint <token>",
		Short: "Print the log-safe fingerprint of a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), linktoken.Fingerprint(args[0]))
			return nil
		},
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
