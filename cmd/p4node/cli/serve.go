package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/frobware/go-p4node/server"
)

// ServeCmd starts the P4Runtime daemon.
type ServeCmd struct {
	Chassis    string `name:"chassis" help:"Chassis config file." default:"${default_chassis_path}" type:"path"`
	TCPAddress string `name:"tcp-address" help:"TCP address for the gRPC server. Overrides server.tcp_address from the config file."`
}

// Run executes the serve command.
func (c *ServeCmd) Run(cli *CLI) error {
	logger, err := cli.LoggerFromConfig()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	appConfig, err := cli.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if c.TCPAddress != "" {
		appConfig.Server.TCPAddress = c.TCPAddress
	}

	dirs, err := cli.RuntimeDirs()
	if err != nil {
		return err
	}

	cfg := server.RunConfig{
		Dirs:        dirs,
		Config:      appConfig,
		ChassisPath: c.Chassis,
		Logger:      logger,
	}

	// Create context that cancels on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return server.Run(ctx, cfg)
}
