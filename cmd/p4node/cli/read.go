package cli

import (
	"context"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
)

// ReadCmd reads forwarding entities and prints them in text format.
type ReadCmd struct {
	Device uint64 `name:"device" short:"d" help:"Device (node) id." required:""`
	File   string `arg:"" optional:"" name:"file" help:"Text-format ReadRequest, or - for stdin. Defaults to every table entry, member and group."`
}

// Run executes the read command.
func (c *ReadCmd) Run(cli *CLI, ctx context.Context) error {
	req := wildcardRead(c.Device)
	if c.File != "" {
		req = &p4v1.ReadRequest{}
		if err := readTextProto(c.File, req); err != nil {
			return err
		}
		req.DeviceId = c.Device
	}

	cl, err := cli.Client()
	if err != nil {
		return err
	}
	defer cl.Close()

	entities, err := cl.Read(ctx, req)
	// Print what arrived even when some entities failed.
	resp := &p4v1.ReadResponse{Entities: entities}
	if perr := cli.PrintOutf("%s", formatTextProto(resp)); perr != nil {
		return perr
	}
	return err
}

// wildcardRead requests every table entry, action profile member and
// action profile group of the device.
func wildcardRead(deviceID uint64) *p4v1.ReadRequest {
	return &p4v1.ReadRequest{
		DeviceId: deviceID,
		Entities: []*p4v1.Entity{
			{Entity: &p4v1.Entity_TableEntry{TableEntry: &p4v1.TableEntry{}}},
			{Entity: &p4v1.Entity_ActionProfileMember{ActionProfileMember: &p4v1.ActionProfileMember{}}},
			{Entity: &p4v1.Entity_ActionProfileGroup{ActionProfileGroup: &p4v1.ActionProfileGroup{}}},
		},
	}
}
