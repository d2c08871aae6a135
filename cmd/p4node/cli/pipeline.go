package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	p4configv1 "github.com/p4lang/p4runtime/go/p4/config/v1"
	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"

	"github.com/frobware/go-p4node/tablemap"
)

// PipelineCmd groups the forwarding pipeline subcommands.
type PipelineCmd struct {
	Push   PipelinePushCmd   `cmd:"" help:"Verify and commit a pipeline on a device."`
	Verify PipelineVerifyCmd `cmd:"" help:"Verify a pipeline without applying it."`
	Get    PipelineGetCmd    `cmd:"" help:"Show the pipeline committed on a device."`
}

// PipelineFlags describe a ForwardingPipelineConfig assembled from files.
type PipelineFlags struct {
	DeviceConfig string `name:"device-config" help:"Device config TOML file." required:"" type:"existingfile"`
	P4Info       string `name:"p4info" help:"Text-format P4Info file." type:"existingfile"`
	Cookie       uint64 `name:"cookie" help:"Cookie identifying this pipeline."`
}

// Build reads the files and assembles the pipeline config. The device
// config is decoded locally first so syntax errors never reach the
// daemon.
func (f *PipelineFlags) Build() (*p4v1.ForwardingPipelineConfig, error) {
	data, err := os.ReadFile(f.DeviceConfig)
	if err != nil {
		return nil, fmt.Errorf("read device config: %w", err)
	}
	if _, err := tablemap.DecodeDeviceConfig(data); err != nil {
		return nil, fmt.Errorf("%s: %w", f.DeviceConfig, err)
	}
	cfg := &p4v1.ForwardingPipelineConfig{P4DeviceConfig: data}
	if f.P4Info != "" {
		info := &p4configv1.P4Info{}
		if err := readTextProto(f.P4Info, info); err != nil {
			return nil, err
		}
		cfg.P4Info = info
	}
	if f.Cookie != 0 {
		cfg.Cookie = &p4v1.ForwardingPipelineConfig_Cookie{Cookie: f.Cookie}
	}
	return cfg, nil
}

// PipelinePushCmd pushes a pipeline with VERIFY_AND_COMMIT.
type PipelinePushCmd struct {
	Device     uint64     `name:"device" short:"d" help:"Device (node) id." required:""`
	ElectionID ElectionID `name:"election-id" help:"Election id, as low or high:low." default:"1"`

	PipelineFlags `embed:""`
}

// Run executes the pipeline push command.
func (c *PipelinePushCmd) Run(cli *CLI, ctx context.Context) error {
	cfg, err := c.Build()
	if err != nil {
		return err
	}
	if err := setPipeline(ctx, cli, c.Device, c.ElectionID, p4v1.SetForwardingPipelineConfigRequest_VERIFY_AND_COMMIT, cfg); err != nil {
		return err
	}
	return cli.PrintOutf("Committed pipeline on device %d\n", c.Device)
}

// PipelineVerifyCmd checks a pipeline, locally or against a device.
type PipelineVerifyCmd struct {
	Device     uint64     `name:"device" short:"d" help:"Device (node) id. Without it the pipeline is only checked locally."`
	ElectionID ElectionID `name:"election-id" help:"Election id, as low or high:low." default:"1"`

	PipelineFlags `embed:""`
}

// Run executes the pipeline verify command.
func (c *PipelineVerifyCmd) Run(cli *CLI, ctx context.Context) error {
	cfg, err := c.Build()
	if err != nil {
		return err
	}
	if c.Device == 0 {
		return cli.PrintOutf("%s: ok\n", c.DeviceConfig)
	}
	if err := setPipeline(ctx, cli, c.Device, c.ElectionID, p4v1.SetForwardingPipelineConfigRequest_VERIFY, cfg); err != nil {
		return err
	}
	return cli.PrintOutf("%s: ok on device %d\n", c.DeviceConfig, c.Device)
}

func setPipeline(ctx context.Context, cli *CLI, device uint64, eid ElectionID, action p4v1.SetForwardingPipelineConfigRequest_Action, cfg *p4v1.ForwardingPipelineConfig) error {
	cl, err := cli.Client()
	if err != nil {
		return err
	}
	defer cl.Close()

	session, err := cl.Arbitrate(ctx, device, eid.Proto())
	if err != nil {
		return err
	}
	defer session.Close()
	return session.SetPipeline(ctx, action, cfg)
}

// PipelineGetCmd prints the committed pipeline of a device.
type PipelineGetCmd struct {
	Device       uint64 `name:"device" short:"d" help:"Device (node) id." required:""`
	ResponseType string `name:"response-type" help:"What to return: ${enum}." enum:"all,cookie-only,p4info-and-cookie,device-config-and-cookie" default:"all"`
}

// Run executes the pipeline get command.
func (c *PipelineGetCmd) Run(cli *CLI, ctx context.Context) error {
	rt, err := parseResponseType(c.ResponseType)
	if err != nil {
		return err
	}
	cl, err := cli.Client()
	if err != nil {
		return err
	}
	defer cl.Close()

	cfg, err := cl.GetPipeline(ctx, c.Device, rt)
	if err != nil {
		return err
	}
	return cli.PrintOutf("%s", formatTextProto(cfg))
}

func parseResponseType(s string) (p4v1.GetForwardingPipelineConfigRequest_ResponseType, error) {
	name := strings.ToUpper(strings.ReplaceAll(s, "-", "_"))
	v, ok := p4v1.GetForwardingPipelineConfigRequest_ResponseType_value[name]
	if !ok {
		return 0, fmt.Errorf("unknown response type %q", s)
	}
	return p4v1.GetForwardingPipelineConfigRequest_ResponseType(v), nil
}
