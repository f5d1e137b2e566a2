package main

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/benliao/bws/internal/bwsconfig"
)

func newReloadCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Ask a running bws instance to reload its configuration",
		Long: `Reload reads the management block from the configuration file to find
a running instance's admin address, then issues an authenticated
POST to its /api/config/reload endpoint. The running instance re-reads
the same file path from its own disk; reload does not ship the file
contents over the wire.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := bwsconfig.Load(configPath)
			if err != nil {
				return fmt.Errorf("reading config to locate management endpoint: %w", err)
			}
			if !cfg.Management.Enabled {
				return fmt.Errorf("management endpoint is disabled in %s; nothing to reload against", configPath)
			}
			return requestReload(cfg.Management)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "bws.yaml", "Path to the configuration file")
	return cmd
}

func requestReload(mgmt bwsconfig.ManagementConfig) error {
	url := fmt.Sprintf("http://%s:%d/api/config/reload", mgmt.Host, mgmt.Port)
	req, err := http.NewRequest(http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	if mgmt.APIKey != "" {
		req.Header.Set("X-API-Key", mgmt.APIKey)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("contacting management endpoint at %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("reload rejected (%s): %s", resp.Status, string(body))
	}
	fmt.Println(string(body))
	return nil
}
