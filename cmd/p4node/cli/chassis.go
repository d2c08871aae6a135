package cli

import (
	"fmt"

	"github.com/frobware/go-p4node"
)

// ChassisCmd groups the chassis config subcommands.
type ChassisCmd struct {
	Verify ChassisVerifyCmd `cmd:"" help:"Check a chassis config file and summarise its nodes."`
}

// ChassisVerifyCmd validates a chassis config file.
type ChassisVerifyCmd struct {
	File string `arg:"" name:"file" help:"Chassis config file." default:"${default_chassis_path}"`
}

// Run executes the chassis verify command.
func (c *ChassisVerifyCmd) Run(cli *CLI) error {
	cfg, err := p4node.LoadChassisConfig(c.File)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%s: %w", c.File, err)
	}

	name := cfg.Name
	if name == "" {
		name = c.File
	}
	if err := cli.PrintOutf("%s: %d nodes, %d ports\n", name, len(cfg.Nodes), len(cfg.Ports)); err != nil {
		return err
	}
	for _, n := range cfg.Nodes {
		if err := cli.PrintOutf("  node %d %q unit %d: %d ports\n", n.ID, n.Name, n.Unit, len(cfg.PortsForNode(n.ID))); err != nil {
			return err
		}
	}
	return nil
}
