package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/keygatedb/keygate/internal/credential"
	"github.com/keygatedb/keygate/internal/service"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage API keys",
		Long:    "Create, list, revoke, and rotate the API keys verified by the decision endpoint.",
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyRevokeCmd())
	cmd.AddCommand(newKeyRotateCmd())

	return cmd
}

// openKeysService wires the key store and credential codec for CLI use.
func openKeysService() (*service.Keys, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	db, err := openKeyStore(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open key store: %w", err)
	}
	key, err := signingKey(cfg)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	codec, err := credential.NewCodec([]byte(key))
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return service.NewKeys(db, codec, nil), func() { db.Close() }, nil
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var (
		label    string
		userID   string
		scopes   []string
		allowIPs []string
		expires  time.Duration
		override int64
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		Long:  "Mint a new API key pair. The secret is shown once and cannot be retrieved again.",
		Example: `  keygate key create --label "CI pipeline" --scope read
  keygate key create --label "partner" --user acme --expires 720h --limit 1000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyCreate(label, userID, scopes, allowIPs, expires, override)
		},
	}

	cmd.Flags().StringVar(&label, "label", "", "Human-readable label for the key (required)")
	cmd.Flags().StringVar(&userID, "user", "", "Owning user or tenant ID")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "Permission scope (repeatable)")
	cmd.Flags().StringSliceVar(&allowIPs, "allow-ip", nil, "Allowed caller IP or CIDR (repeatable)")
	cmd.Flags().DurationVar(&expires, "expires", 0, "Expiry relative to now (e.g. 720h; 0 means never)")
	cmd.Flags().Int64Var(&override, "limit", 0, "Per-key capacity override for per_api_key rules")
	cmd.MarkFlagRequired("label")

	return cmd
}

func runKeyCreate(label, userID string, scopes, allowIPs []string, expires time.Duration, override int64) error {
	keys, closeStore, err := openKeysService()
	if err != nil {
		return err
	}
	defer closeStore()

	params := service.CreateKeyParams{
		Label:       label,
		UserID:      userID,
		Scopes:      scopes,
		IPAllowList: allowIPs,
	}
	if expires > 0 {
		at := time.Now().UTC().Add(expires)
		params.ExpiresAt = &at
	}
	if override > 0 {
		params.RateLimitOverride = &override
	}

	key, secret, err := keys.Create(context.Background(), params)
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}

	fmt.Println("API key created:")
	fmt.Println()
	fmt.Printf("  Key ID: %s\n", key.KeyID)
	fmt.Printf("  Secret: %s\n", secret)
	fmt.Printf("  Label:  %s\n", key.Label)
	if key.ExpiresAt != nil {
		fmt.Printf("  Expires: %s\n", key.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Println()
	fmt.Println("  Save the secret now - it cannot be retrieved again.")
	fmt.Printf("  Present credentials as: %s.%s\n", key.KeyID, secret)
	return nil
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyList(jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runKeyList(jsonOutput bool) error {
	keys, closeStore, err := openKeysService()
	if err != nil {
		return err
	}
	defer closeStore()

	list, err := keys.List(context.Background())
	if err != nil {
		return fmt.Errorf("list api keys: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	}

	if len(list) == 0 {
		fmt.Println("No API keys. Use 'keygate key create' to create one.")
		return nil
	}

	fmt.Printf("%-24s %-20s %-10s %-12s %s\n", "KEY ID", "LABEL", "STATUS", "USER", "EXPIRES")
	fmt.Printf("%-24s %-20s %-10s %-12s %s\n", "------", "-----", "------", "----", "-------")
	for _, k := range list {
		expires := "-"
		if exp := k.EffectiveExpiry(); exp != nil {
			expires = exp.Format("2006-01-02 15:04")
		}
		fmt.Printf("%-24s %-20s %-10s %-12s %s\n", k.KeyID, k.Label, k.Status, k.UserID, expires)
	}

	return nil
}

// ---------- key revoke ----------

func newKeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Permanently revoke an API key",
		Long:  "Revoke an API key. Revocation is irreversible; every subsequent request with the key is denied.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyRevoke(args[0])
		},
	}

	return cmd
}

func runKeyRevoke(keyID string) error {
	keys, closeStore, err := openKeysService()
	if err != nil {
		return err
	}
	defer closeStore()

	key, err := keys.Revoke(context.Background(), keyID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}

	fmt.Printf("Revoked API key %s (%s)\n", key.KeyID, key.Label)
	return nil
}

// ---------- key rotate ----------

func newKeyRotateCmd() *cobra.Command {
	var grace time.Duration

	cmd := &cobra.Command{
		Use:   "rotate <key-id>",
		Short: "Rotate an API key",
		Long:  "Mint a replacement key pair. The old key keeps working during the grace period so clients can switch over.",
		Example: `  keygate key rotate ak_abc123
  keygate key rotate ak_abc123 --grace 1h`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyRotate(args[0], grace)
		},
	}

	cmd.Flags().DurationVar(&grace, "grace", 0, "Overlap window during which the old key stays valid (default 24h)")

	return cmd
}

func runKeyRotate(keyID string, grace time.Duration) error {
	keys, closeStore, err := openKeysService()
	if err != nil {
		return err
	}
	defer closeStore()

	replacement, secret, err := keys.Rotate(context.Background(), keyID, grace)
	if err != nil {
		return fmt.Errorf("rotate api key: %w", err)
	}

	var until string
	if old, err := keys.Get(context.Background(), keyID); err == nil && old.GraceUntil != nil {
		until = old.GraceUntil.Format(time.RFC3339)
	}

	fmt.Println("API key rotated:")
	fmt.Println()
	fmt.Printf("  New key ID: %s\n", replacement.KeyID)
	fmt.Printf("  New secret: %s\n", secret)
	if until != "" {
		fmt.Printf("  Old key %s stays valid until %s\n", keyID, until)
	}
	fmt.Println()
	fmt.Println("  Save the secret now - it cannot be retrieved again.")
	return nil
}
