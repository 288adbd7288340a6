package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"escrow-backend/config"
	"escrow-backend/mcp"
	"escrow-backend/network"
	projclient "escrow-backend/projection"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("mcpserver failed")
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "mcpserver",
		Short:         "Expose the escrow job tools over MCP",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			config.SetupLogging(cfg.LogLevel)
			return serve(cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file path")
	return cmd
}

func serve(cfg *config.Config) error {
	profiles, err := network.LoadProfiles(cfg.ProfilesFile)
	if err != nil {
		return fmt.Errorf("load network profiles: %w", err)
	}
	networks, err := network.NewRegistry(profiles, cfg.Network)
	if err != nil {
		return fmt.Errorf("build network registry: %w", err)
	}

	projection := projclient.NewClient(cfg.ProjectionURL, cfg.Timeout)
	mcpServer := mcp.NewMCPServer(projection, networks)

	log.Info().Str("projection", cfg.ProjectionURL).Str("network", networks.ActiveProfile().Key).Msg("escrow MCP server starting")

	if cfg.MCPHTTPAddr != "" {
		httpServer := server.NewStreamableHTTPServer(mcpServer.GetMCPServer())
		log.Info().Str("addr", cfg.MCPHTTPAddr).Msg("serving MCP over streamable HTTP")
		if err := httpServer.Start(cfg.MCPHTTPAddr); err != nil {
			return fmt.Errorf("MCP HTTP server: %w", err)
		}
		return nil
	}

	// stdout carries the protocol; logs go to stderr.
	if err := server.ServeStdio(mcpServer.GetMCPServer()); err != nil {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}
