package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/conveyordev/conveyor/internal/config"
	"github.com/conveyordev/conveyor/internal/engine"
)

func workflowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Inspect the configured workflow",
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: conveyor.yaml in ., ./config, ~/.conveyor)")

	cmd.AddCommand(&cobra.Command{
		Use:   "info",
		Short: "Print the workflow structure after jump resolution",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			info := engine.New(cfg, nil, nil, nil, nil, nil).Info()
			out, err := yaml.Marshal(info)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	return cmd
}

func initCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			fmt.Println("Edit the agent bindings, then: conveyor run \"your prompt\"")
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "path", "conveyor.yaml", "Destination file")
	return cmd
}
