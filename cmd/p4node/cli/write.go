package cli

import (
	"context"
	"errors"
	"fmt"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"google.golang.org/grpc/codes"

	"github.com/frobware/go-p4node/client"
)

// WriteCmd applies a WriteRequest as the primary controller.
type WriteCmd struct {
	Device     uint64     `name:"device" short:"d" help:"Device (node) id." required:""`
	ElectionID ElectionID `name:"election-id" help:"Election id, as low or high:low." default:"1"`
	File       string     `arg:"" name:"file" help:"Text-format WriteRequest, or - for stdin."`
}

// Run executes the write command.
func (c *WriteCmd) Run(cli *CLI, ctx context.Context) error {
	var req p4v1.WriteRequest
	if err := readTextProto(c.File, &req); err != nil {
		return err
	}
	if len(req.GetUpdates()) == 0 {
		return fmt.Errorf("%s: no updates", c.File)
	}

	cl, err := cli.Client()
	if err != nil {
		return err
	}
	defer cl.Close()

	session, err := cl.Arbitrate(ctx, c.Device, c.ElectionID.Proto())
	if err != nil {
		return err
	}
	defer session.Close()

	err = session.WriteRequest(ctx, &req)
	var batch *client.BatchError
	if errors.As(err, &batch) {
		if perr := printFailures(cli, req.GetUpdates(), batch); perr != nil {
			return perr
		}
		return err
	}
	if err != nil {
		return err
	}
	return cli.PrintOutf("Applied %d updates to device %d\n", len(req.GetUpdates()), c.Device)
}

func printFailures(cli *CLI, updates []*p4v1.Update, batch *client.BatchError) error {
	for i, e := range batch.Results {
		if codes.Code(e.GetCanonicalCode()) == codes.OK {
			continue
		}
		typ := "?"
		if i < len(updates) {
			typ = updates[i].GetType().String()
		}
		if err := cli.PrintOutf("update %d (%s): %s: %s\n", i, typ, codes.Code(e.GetCanonicalCode()), e.GetMessage()); err != nil {
			return err
		}
	}
	return nil
}
