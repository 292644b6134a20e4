package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/RhysSullivan/codegate/internal/config"
)

var (
	resetIncludeReceipts bool
	resetForce           bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset codegate to a clean state",
	Long: `Reset codegate by removing the state store files.

By default, only the configured state store (file or sqlite backend) and
its backup are removed. This clears all runs, approvals, tool sources,
credentials, and policies.

The memory backend keeps nothing on disk; reset is a no-op there.

Optional flags:
  --include-receipts   Also remove the receipt journal file
  --force              Skip confirmation prompt

Examples:
  # Reset state only (interactive confirmation)
  codegate reset

  # Reset everything without prompting
  codegate reset --include-receipts --force`,
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVar(&resetIncludeReceipts, "include-receipts", false, "Also remove the receipt journal file")
	resetCmd.Flags().BoolVar(&resetForce, "force", false, "Skip confirmation prompt")
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Build list of targets to remove.
	type target struct {
		path string
		desc string
	}
	var targets []target

	switch cfg.Store.Backend {
	case "file":
		targets = append(targets,
			target{cfg.Store.Path, "state file"},
			target{cfg.Store.Path + ".bak", "state backup"},
			target{cfg.Store.Path + ".lock", "state lock"},
		)
	case "sqlite":
		targets = append(targets,
			target{cfg.Store.Path, "database"},
			target{cfg.Store.Path + "-wal", "database WAL"},
			target{cfg.Store.Path + "-shm", "database shared memory"},
		)
	}

	if resetIncludeReceipts {
		if path := parseFileURI(cfg.Audit.Output); path != "" {
			targets = append(targets, target{path, "receipt journal"})
		}
	}

	// Check what actually exists.
	var existing []target
	for _, t := range targets {
		if _, err := os.Stat(t.path); err == nil {
			existing = append(existing, t)
		}
	}

	if len(existing) == 0 {
		fmt.Fprintln(os.Stderr, "Nothing to reset — no state files found.")
		return nil
	}

	// Show what will be removed.
	fmt.Fprintln(os.Stderr, "The following will be removed:")
	for _, t := range existing {
		fmt.Fprintf(os.Stderr, "  - %s (%s)\n", t.path, t.desc)
	}

	// Confirm unless --force.
	if !resetForce {
		fmt.Fprint(os.Stderr, "\nProceed? [y/N] ")
		var answer string
		fmt.Scanln(&answer) //nolint:errcheck // interactive prompt, error irrelevant
		if answer != "y" && answer != "Y" {
			fmt.Fprintln(os.Stderr, "Aborted.")
			return nil
		}
	}

	// Remove targets.
	var errors int
	for _, t := range existing {
		if err := os.Remove(t.path); err != nil {
			fmt.Fprintf(os.Stderr, "  ERROR removing %s: %v\n", t.path, err)
			errors++
		} else {
			fmt.Fprintf(os.Stderr, "  Removed %s\n", t.path)
		}
	}

	if errors > 0 {
		return fmt.Errorf("%d file(s) could not be removed", errors)
	}

	fmt.Fprintln(os.Stderr, "\nReset complete. codegate will start fresh on next launch.")
	return nil
}

// parseFileURI extracts the file path from a "file:///path" URI.
// On Windows, handles file:///C:/path → C:/path (strips extra leading slash).
func parseFileURI(uri string) string {
	const prefix = "file://"
	if len(uri) > len(prefix) && uri[:len(prefix)] == prefix {
		path := uri[len(prefix):]
		// On Windows, file:///C:/path produces /C:/path after prefix trim.
		// Remove the leading slash before a drive letter.
		if len(path) >= 3 && path[0] == '/' && path[2] == ':' {
			path = path[1:]
		}
		return path
	}
	return ""
}
