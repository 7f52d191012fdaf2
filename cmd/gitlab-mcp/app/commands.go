// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the command-line interface for the GitLab MCP gateway.
package app

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zereight/gitlab-mcp-sub003/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "gitlab-mcp",
	DisableAutoGenTag: true,
	Short:             "OAuth gateway that lets MCP clients act against a GitLab instance",
	Long: `gitlab-mcp is an authorization gateway between MCP clients (AI assistants)
and an upstream GitLab instance. It drives the OAuth device and
authorization-code flows against GitLab, keeps the GitLab tokens server-side,
and hands clients short-lived gateway credentials instead.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates the root command for the gateway CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Fatalf("Failed to bind debug flag: %v", err)
	}

	viper.SetEnvPrefix("GITLAB_MCP")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(serveCmd)

	return rootCmd
}
