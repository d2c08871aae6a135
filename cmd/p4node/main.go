// p4node serves P4Runtime for the switching nodes of one chassis.
package main

import (
	"context"

	"github.com/alecthomas/kong"

	"github.com/frobware/go-p4node/cmd/p4node/cli"
)

func main() {
	var c cli.CLI
	ctx := kong.Parse(&c, cli.KongOptions()...)
	ctx.BindTo(context.Background(), (*context.Context)(nil))
	ctx.FatalIfErrorf(ctx.Run(&c))
}
