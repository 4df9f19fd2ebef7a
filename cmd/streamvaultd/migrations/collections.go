// ABOUTME: PocketBase collections migration for streamvaultd.
// ABOUTME: Creates collections for accounts, master keys, device keys, sources, and tokens.

package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

//nolint:funlen // Migration init functions are necessarily long
func init() {
	m.Register(func(app core.App) error {
		// accounts collection
		accounts := core.NewBaseCollection("accounts")
		accounts.Fields.Add(
			&core.TextField{
				Name:     "account_id",
				Required: true,
			},
			&core.TextField{
				Name:     "subscription_tier",
				Required: true,
			},
			&core.NumberField{
				Name:     "device_slot_limit",
				Required: true,
			},
		)
		accounts.AddIndex("idx_accounts_account_id", true, "account_id", "")
		if err := app.Save(accounts); err != nil {
			return err
		}

		// master_keys collection - one row per account, enforced by the
		// unique index so rotation is a single upsert.
		masterKeys := core.NewBaseCollection("master_keys")
		masterKeys.Fields.Add(
			&core.TextField{
				Name:     "account_id",
				Required: true,
			},
			&core.TextField{
				Name: "wrapped",
			},
			&core.TextField{
				Name: "iv",
			},
			&core.TextField{
				Name: "server_wrapped",
			},
			&core.TextField{
				Name: "server_iv",
			},
			&core.TextField{
				Name:     "salt",
				Required: true,
			},
			&core.NumberField{
				Name:     "kdf_iterations",
				Required: true,
			},
			&core.TextField{
				Name:     "kdf_algorithm",
				Required: true,
			},
			&core.TextField{
				Name:     "wrap_algorithm",
				Required: true,
			},
		)
		masterKeys.AddIndex("idx_master_keys_account_id", true, "account_id", "")
		if err := app.Save(masterKeys); err != nil {
			return err
		}

		// device_keys collection
		deviceKeys := core.NewBaseCollection("device_keys")
		deviceKeys.Fields.Add(
			&core.TextField{
				Name:     "account_id",
				Required: true,
			},
			&core.TextField{
				Name:     "device_id",
				Required: true,
			},
			&core.TextField{
				Name:     "device_type",
				Required: true,
			},
			&core.TextField{
				Name: "device_name",
			},
			&core.TextField{
				Name: "device_model",
			},
			&core.TextField{
				Name:     "wrapped",
				Required: true,
			},
			&core.TextField{
				Name:     "salt",
				Required: true,
			},
			&core.TextField{
				Name:     "iv",
				Required: true,
			},
			&core.NumberField{
				Name:     "kdf_iterations",
				Required: true,
			},
			&core.TextField{
				Name: "server_wrapped",
			},
			&core.TextField{
				Name: "server_iv",
			},
			&core.TextField{
				Name:     "wrap_algorithm",
				Required: true,
			},
			&core.NumberField{
				Name: "created_ts",
			},
		)
		deviceKeys.AddIndex("idx_device_keys_account_device", true, "account_id, device_id", "")
		deviceKeys.AddIndex("idx_device_keys_account_id", false, "account_id", "")
		if err := app.Save(deviceKeys); err != nil {
			return err
		}

		// sources collection - ciphertext only, no key material.
		sources := core.NewBaseCollection("sources")
		sources.Fields.Add(
			&core.TextField{
				Name:     "source_id",
				Required: true,
			},
			&core.TextField{
				Name:     "account_id",
				Required: true,
			},
			&core.TextField{
				Name:     "encrypted_config",
				Required: true,
				Max:      100000,
			},
			&core.TextField{
				Name:     "config_iv",
				Required: true,
			},
			&core.TextField{
				Name:     "wrap_algorithm",
				Required: true,
			},
		)
		sources.AddIndex("idx_sources_source_id", true, "source_id", "")
		sources.AddIndex("idx_sources_account_id", false, "account_id", "")
		if err := app.Save(sources); err != nil {
			return err
		}

		// api_tokens collection
		apiTokens := core.NewBaseCollection("api_tokens")
		apiTokens.Fields.Add(
			&core.TextField{
				Name:     "token_hash",
				Required: true,
			},
			&core.TextField{
				Name:     "account_id",
				Required: true,
			},
			&core.TextField{
				Name: "device_id",
			},
			&core.NumberField{
				Name:     "expires_at",
				Required: true,
			},
		)
		apiTokens.AddIndex("idx_api_tokens_token_hash", true, "token_hash", "")
		apiTokens.AddIndex("idx_api_tokens_account_exp", false, "account_id, expires_at", "")
		if err := app.Save(apiTokens); err != nil {
			return err
		}

		return nil
	}, func(app core.App) error {
		// Down migration - remove collections
		collections := []string{
			"api_tokens",
			"sources",
			"device_keys",
			"master_keys",
			"accounts",
		}
		for _, name := range collections {
			col, err := app.FindCollectionByNameOrId(name)
			if err != nil {
				continue
			}
			if err := app.Delete(col); err != nil {
				return err
			}
		}
		return nil
	})
}
