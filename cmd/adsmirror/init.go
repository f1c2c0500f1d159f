package main

import (
	"fmt"
	"io"
	"os"

	"github.com/peteski22/adsmirror/internal/config"
)

const configTemplate = `# adsmirror configuration

google_ads:
  # From Google Cloud Console -> APIs & Services -> Credentials (Desktop app client).
  client_id: ""
  client_secret: ""
  # From Google Ads -> Tools -> API Center.
  developer_token: ""
  # Account to mirror, digits only or with dashes.
  customer_id: ""
  # Optional: manager account the customer is accessed through.
  login_customer_id: ""
  # API version (default: v18).
  api_version: "v18"

storage:
  # SQLite database for snapshots, watermarks and queued conflicts.
  # Defaults to mirror.db next to this file.
  database: ""
  # Compress stored payloads with zstd.
  compression: true

sync:
  # Entity types synced concurrently by parallel jobs.
  workers: 4
  # Local and remote edits closer than this are treated as a conflict.
  conflict_window: 60s

log:
  # debug, info, warn or error.
  level: "info"
  # console or json.
  format: "console"
`

// runInit creates a sample configuration file.
func runInit(out io.Writer) error {
	configDir, err := config.ConfigDir()
	if err != nil {
		return fmt.Errorf("getting config directory: %w", err)
	}

	configPath, err := config.ConfigFilePath()
	if err != nil {
		return fmt.Errorf("getting config path: %w", err)
	}

	if config.LocalConfigExists() {
		return fmt.Errorf("config file already exists: %s", configPath)
	}

	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(configTemplate), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	_, _ = fmt.Fprintln(out, "Created config file:", configPath)
	_, _ = fmt.Fprintln(out)
	_, _ = fmt.Fprintln(out, "Next steps:")
	_, _ = fmt.Fprintln(out, "  1. Edit the config file with your credentials")
	_, _ = fmt.Fprintln(out, "  2. Run 'adsmirror auth' to authorize with Google Ads")
	_, _ = fmt.Fprintln(out, "  3. Run 'adsmirror run --dry-run --sync-type full' to test")

	tokenPath, err := config.TokenFilePath()
	if err != nil {
		return fmt.Errorf("getting token path: %w", err)
	}
	dbPath, err := config.DatabaseFilePath()
	if err != nil {
		return fmt.Errorf("getting database path: %w", err)
	}
	_, _ = fmt.Fprintln(out)
	_, _ = fmt.Fprintf(out, "Token will be stored at: %s\n", tokenPath)
	_, _ = fmt.Fprintf(out, "Snapshots will be stored at: %s\n", dbPath)

	return nil
}
