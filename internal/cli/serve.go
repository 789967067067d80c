package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/capgate/capgate/internal/config"
	"github.com/capgate/capgate/internal/mcpserver"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP authorization server on stdio",
	Long:  "Runs capgate as an MCP server. Connectors push content through\ncapgate_ingest; agent hosts submit intents and redeem capability tokens.\nThe config file hot-reloads on change.",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, hash, err := loadConfig()
	if err != nil {
		return err
	}
	if hash != "" {
		fmt.Fprintf(os.Stderr, "capgate: config %s\n", hash)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	gw, err := buildGateway(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build gateway: %w", err)
	}

	srv := mcpserver.New(gw)
	defer srv.Close()

	if configPath != "" {
		go func() {
			err := config.Watch(ctx, configPath, func(newCfg *config.Config, newHash string) {
				// Storage paths and agent specs need a restart; only
				// tunables apply live.
				fmt.Fprintf(os.Stderr, "capgate: config reloaded (%s); restart to apply storage changes\n", newHash)
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "capgate: hot-reload disabled: %v\n", err)
			}
		}()
	}

	return srv.Run(ctx)
}
