package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"

	"github.com/alecthomas/kong"

	"github.com/frobware/go-p4node/client"
	"github.com/frobware/go-p4node/config"
	"github.com/frobware/go-p4node/logging"
)

// CLI is the root command structure for p4node.
type CLI struct {
	Config     string `name:"config" help:"Config file path." default:"${default_config_path}"`
	Log        string `name:"log" help:"Log spec (e.g., 'info,node=debug')." env:"P4NODE_LOG"`
	RuntimeDir string `name:"runtime-dir" help:"Runtime directory for databases, sockets and pinned maps." default:"${default_runtime_dir}"`
	Remote     string `name:"remote" short:"r" help:"Daemon endpoint (unix:///path or host:port). Defaults to the runtime directory socket."`

	Serve    ServeCmd    `cmd:"" help:"Start the P4Runtime daemon."`
	Write    WriteCmd    `cmd:"" help:"Apply a write request as the primary controller."`
	Read     ReadCmd     `cmd:"" help:"Read forwarding entities from a device."`
	Pipeline PipelineCmd `cmd:"" help:"Forwarding pipeline operations."`
	Chassis  ChassisCmd  `cmd:"" help:"Chassis config operations."`

	// Out is where command results are printed. Nil means stdout.
	Out io.Writer `kong:"-"`
}

// KongOptions returns the Kong configuration options for the CLI.
func KongOptions() []kong.Option {
	return []kong.Option{
		kong.Name("p4node"),
		kong.Description("Per-device P4Runtime control plane for programmable switches."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.TypeMapper(reflect.TypeOf(ElectionID{}), electionIDMapper()),
		kong.Vars{
			"default_config_path":  config.DefaultConfigPath,
			"default_runtime_dir":  config.DefaultRuntimeDirs().Base(),
			"default_chassis_path": DefaultChassisPath,
		},
	}
}

func (c *CLI) out() io.Writer {
	if c.Out != nil {
		return c.Out
	}
	return os.Stdout
}

// PrintOutf formats to the command output and reports write errors,
// so a closed pipe fails the command.
func (c *CLI) PrintOutf(format string, args ...any) error {
	if _, err := fmt.Fprintf(c.out(), format, args...); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

// LoadConfig loads the configuration from the config file path.
func (c *CLI) LoadConfig() (config.Config, error) {
	return config.Load(c.Config)
}

// RuntimeDirs returns the runtime directories rooted at --runtime-dir.
func (c *CLI) RuntimeDirs() (config.RuntimeDirs, error) {
	return config.NewRuntimeDirs(c.RuntimeDir)
}

// Logger creates a logger for CLI commands.
// CLI commands default to WARN level for quieter output.
// Use LoggerFromConfig for long-running services like serve.
func (c *CLI) Logger() (*slog.Logger, error) {
	cfg, err := c.LoadConfig()
	if err != nil {
		return nil, err
	}

	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}

	// CLI commands default to warn unless --log is specified
	spec := c.Log
	if spec == "" {
		spec = "warn"
	}

	return logging.New(logging.Options{
		CLISpec:    spec,
		ConfigSpec: cfg.Logging.ToSpec(),
		Format:     format,
		Output:     os.Stderr,
	})
}

// LoggerFromConfig creates a logger using config file settings.
// Used by long-running services (serve) where INFO level is appropriate.
// Output goes to stdout for daemon/container log collection.
func (c *CLI) LoggerFromConfig() (*slog.Logger, error) {
	cfg, err := c.LoadConfig()
	if err != nil {
		return nil, err
	}

	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}

	return logging.New(logging.Options{
		CLISpec:    c.Log,
		ConfigSpec: cfg.Logging.ToSpec(),
		Format:     format,
		Output:     os.Stdout,
	})
}

// Client connects to the daemon named by --remote, or to the socket in
// the runtime directory. The returned client must be closed when no
// longer needed.
func (c *CLI) Client() (*client.Client, error) {
	logger, err := c.Logger()
	if err != nil {
		return nil, err
	}
	address := c.Remote
	if address == "" {
		dirs, err := c.RuntimeDirs()
		if err != nil {
			return nil, err
		}
		address = dirs.SocketPath()
	}
	cl, err := client.Dial(address, client.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return cl, nil
}
