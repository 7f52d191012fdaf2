// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the GitLab MCP gateway.
package main

import (
	"os"

	"github.com/zereight/gitlab-mcp-sub003/cmd/gitlab-mcp/app"
	"github.com/zereight/gitlab-mcp-sub003/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
