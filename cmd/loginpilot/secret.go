package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"loginpilot/internal/infra/config"
)

func newEncryptSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt-secret [value]",
		Short: "Encrypt a profile service secret for the config file",
		Long: `encrypt-secret prints an "enc:" value for profile_service.secret_key.
The passphrase is read from LOGINPILOT_CONFIG_KEY, which must also be set
when the config is loaded. Without an argument the value is read from stdin.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			passphrase := os.Getenv("LOGINPILOT_CONFIG_KEY")
			if passphrase == "" {
				return errors.New("LOGINPILOT_CONFIG_KEY is not set")
			}
			var value string
			if len(args) == 1 {
				value = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read secret: %w", err)
				}
				value = strings.TrimSpace(line)
			}
			if value == "" {
				return errors.New("empty secret")
			}
			enc, err := config.EncryptValue(value, passphrase)
			if err != nil {
				return err
			}
			fmt.Fprintf(out(cmd), "enc:%s\n", enc)
			return nil
		},
	}
}
