package main

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/ahenk/internal/config"
	"github.com/mattjoyce/ahenk/internal/tui/watch"
)

func newWatchCmd(configPath *string) *cobra.Command {
	var url, token string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live view of a running agent (requires api.enabled)",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := watchClient(*configPath, url, token)
			if err != nil {
				return err
			}
			p := tea.NewProgram(watch.New(client), tea.WithAltScreen(), tea.WithContext(cmd.Context()))
			_, err = p.Run()
			return err
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "API base URL (default from api.listen)")
	cmd.Flags().StringVar(&token, "token", "", "API bearer token (default from api.token)")
	return cmd
}

func watchClient(configPath, url, token string) (*watch.Client, error) {
	if url == "" || token == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		if url == "" {
			url = "http://" + cfg.API.Listen
		}
		if token == "" {
			token = cfg.API.Token
		}
	}
	return &watch.Client{BaseURL: url, Token: token}, nil
}
