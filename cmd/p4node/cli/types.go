package cli

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/alecthomas/kong"
	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/proto"
)

// DefaultChassisPath is where serve looks for the chassis config.
const DefaultChassisPath = "/etc/p4node/chassis.toml"

// ElectionID is a 128-bit controller election id, written as "low" or
// "high:low".
type ElectionID struct {
	High, Low uint64
}

// ParseElectionID parses "low" or "high:low".
func ParseElectionID(s string) (ElectionID, error) {
	hi, lo, found := strings.Cut(s, ":")
	if !found {
		lo, hi = hi, "0"
	}
	high, err := strconv.ParseUint(hi, 0, 64)
	if err != nil {
		return ElectionID{}, fmt.Errorf("invalid election id %q: %w", s, err)
	}
	low, err := strconv.ParseUint(lo, 0, 64)
	if err != nil {
		return ElectionID{}, fmt.Errorf("invalid election id %q: %w", s, err)
	}
	if high == 0 && low == 0 {
		return ElectionID{}, fmt.Errorf("election id must be non-zero")
	}
	return ElectionID{High: high, Low: low}, nil
}

// Proto returns the id as a P4Runtime Uint128.
func (e ElectionID) Proto() *p4v1.Uint128 {
	return &p4v1.Uint128{High: e.High, Low: e.Low}
}

func (e ElectionID) String() string {
	if e.High == 0 {
		return strconv.FormatUint(e.Low, 10)
	}
	return fmt.Sprintf("%d:%d", e.High, e.Low)
}

// electionIDMapper creates a Kong mapper for ElectionID.
func electionIDMapper() kong.MapperFunc {
	return func(ctx *kong.DecodeContext, target reflect.Value) error {
		var s string
		if err := ctx.Scan.PopValueInto("election-id", &s); err != nil {
			return err
		}
		id, err := ParseElectionID(s)
		if err != nil {
			return err
		}
		target.Set(reflect.ValueOf(id))
		return nil
	}
}

// readTextProto decodes a text-format message from path, or from
// stdin when path is "-".
func readTextProto(path string, m proto.Message) error {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := prototext.Unmarshal(data, m); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// formatTextProto renders m as multi-line text format.
func formatTextProto(m proto.Message) string {
	return prototext.MarshalOptions{Multiline: true}.Format(m)
}
