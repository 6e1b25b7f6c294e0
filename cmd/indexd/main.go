// Command indexd is the e4s-index service entrypoint: a cobra command tree
// (serve, reindex, version) replacing the teacher's go-flags benchmark
// driver (brimstore-valuesstore/main.go) with the cuemby-warren-style
// subcommand layout, since this module is a long-running service rather
// than a load-generation tool.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "indexd",
		Short: "e4s-index: multi-tenant time-series existence index service",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (yaml/json/toml)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newReindexCmd())
	root.AddCommand(newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the indexd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}
