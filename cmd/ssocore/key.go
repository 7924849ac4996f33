package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ghodss/yaml"
	"github.com/spf13/cobra"

	"github.com/ssocore/ssocore/key"
)

// commandKey groups the operator-only key operations. There is no HTTP
// endpoint for minting a root key — only someone with shell access to the
// deployment may do it — so it is a CLI command talking to the backing
// store directly rather than going through the API.
func commandKey() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Operator key management",
	}
	cmd.AddCommand(commandKeyCreateRoot())
	return cmd
}

func commandKeyCreateRoot() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "create-root [name]",
		Short: "Mint a root key and print its value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			name := args[0]

			configData, err := os.ReadFile(configPath)
			if err != nil {
				return fmt.Errorf("failed to read config file %s: %v", configPath, err)
			}
			var c Config
			if err := yaml.Unmarshal(configData, &c); err != nil {
				return fmt.Errorf("error parsing config file %s: %v", configPath, err)
			}
			if c.Storage.Config == nil {
				return fmt.Errorf("invalid config: storage: no storage supplied in config file")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			store, err := c.Storage.Config.Open(ctx)
			if err != nil {
				return fmt.Errorf("failed to initialize storage: %v", err)
			}
			defer store.Close()

			manager := key.NewManager(store.Keys())
			rootKey, err := manager.CreateRoot(ctx, name)
			if err != nil {
				return fmt.Errorf("failed to create root key: %v", err)
			}
			fmt.Printf("root key %q created: %s\n", rootKey.Name, rootKey.Value)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the serve config file")
	cmd.MarkFlagRequired("config")
	return cmd
}
