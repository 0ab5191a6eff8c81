package commands

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	sshpkg "golang.org/x/crypto/ssh"

	"github.com/openfroyo/opsflow/pkg/config"
)

func newInitCommand() *cobra.Command {
	var (
		force  bool
		sshKey bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize an opsflow workspace",
		Long: `Initialize a workspace with a default configuration file, the session
store and the agent working directory.

The --ssh-key flag also generates an ed25519 key pair for a remote execution
target; add the public key to the target's authorized_keys and set
shell.remote.private_key_path in the configuration.`,
		Example: `  # Initialize in the current directory
  opsflow init

  # Overwrite an existing config and generate a key for a remote target
  opsflow init --force --ssh-key`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			w := cmd.OutOrStdout()

			path := configPath
			if path == "" {
				path = config.DefaultFileName
			}
			log.Debug().Str("config", path).Msg("Initializing workspace")

			cfg := config.Default()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
			}

			src, err := config.Render(cfg)
			if err != nil {
				return err
			}
			if dir := filepath.Dir(path); dir != "." {
				if err := os.MkdirAll(dir, 0755); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
			}
			if err := os.WriteFile(path, src, 0644); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
			fmt.Fprintf(w, "✓ Created config file: %s\n", path)

			if err := os.MkdirAll(cfg.WorkRoot, 0700); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", cfg.WorkRoot, err)
			}
			fmt.Fprintf(w, "✓ Created work root: %s\n", cfg.WorkRoot)

			store, err := openStore(ctx, cfg.Store)
			if err != nil {
				return err
			}
			if err := store.Close(); err != nil {
				return fmt.Errorf("failed to close store: %w", err)
			}
			fmt.Fprintf(w, "✓ Initialized session store: %s\n", cfg.Store.Path)

			if sshKey {
				keyPath := filepath.Join(filepath.Dir(cfg.Store.Path), "keys", "opsflow-ed25519")
				if err := writeKeyPair(w, keyPath); err != nil {
					return err
				}
			}

			fmt.Fprintf(w, "\nWorkspace initialized.\n\n")
			fmt.Fprintf(w, "Next steps:\n")
			fmt.Fprintf(w, "  1. Export the API key of your model provider, e.g. OPENAI_API_KEY\n")
			fmt.Fprintf(w, "  2. Check the configuration:  opsflow validate\n")
			fmt.Fprintf(w, "  3. Start a session:          opsflow start \"<goal>\"\n")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	cmd.Flags().BoolVar(&sshKey, "ssh-key", false, "generate an SSH key pair for a remote execution target")

	return cmd
}

// writeKeyPair writes an OpenSSH ed25519 key pair unless one already exists.
func writeKeyPair(w io.Writer, keyPath string) error {
	if _, err := os.Stat(keyPath); err == nil {
		fmt.Fprintf(w, "✓ SSH keypair already exists: %s\n", keyPath)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate keypair: %w", err)
	}

	privKeyBytes, err := sshpkg.MarshalPrivateKey(privKey, "opsflow")
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(privKeyBytes), 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}

	sshPubKey, err := sshpkg.NewPublicKey(pubKey)
	if err != nil {
		return fmt.Errorf("failed to create SSH public key: %w", err)
	}
	if err := os.WriteFile(keyPath+".pub", sshpkg.MarshalAuthorizedKey(sshPubKey), 0644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}

	fmt.Fprintf(w, "✓ Generated SSH keypair: %s\n", keyPath)
	return nil
}
