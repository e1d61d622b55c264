// Package trace records arena events to a compact compressed stream and reads
// them back for replay.
//
// A trace is a zstd stream holding the magic "BFCT", a format version varint
// and then one length-prefixed protobuf-wire record per event.
package trace

import (
	"fmt"

	"github.com/garethgeorge/bfcarena/internal/arena"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	magic   = "BFCT"
	version = 1
)

// Record field numbers.
const (
	fieldOp            protowire.Number = 1
	fieldAllocationID  protowire.Number = 2
	fieldSize          protowire.Number = 3
	fieldRequestedSize protowire.Number = 4
	fieldPtr           protowire.Number = 5
	fieldStream        protowire.Number = 6
)

// appendEvent appends the wire form of e to b. Zero fields are omitted.
func appendEvent(b []byte, e arena.Event) []byte {
	b = protowire.AppendTag(b, fieldOp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Op))
	if e.AllocationID != 0 {
		b = protowire.AppendTag(b, fieldAllocationID, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(e.AllocationID))
	}
	if e.Size != 0 {
		b = protowire.AppendTag(b, fieldSize, protowire.VarintType)
		b = protowire.AppendVarint(b, e.Size)
	}
	if e.RequestedSize != 0 {
		b = protowire.AppendTag(b, fieldRequestedSize, protowire.VarintType)
		b = protowire.AppendVarint(b, e.RequestedSize)
	}
	if e.Ptr != 0 {
		b = protowire.AppendTag(b, fieldPtr, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, uint64(e.Ptr))
	}
	if e.Stream != arena.NoStream {
		b = protowire.AppendTag(b, fieldStream, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.Stream))
	}
	return b
}

func consumeEvent(b []byte) (arena.Event, error) {
	var e arena.Event
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return e, fmt.Errorf("decode tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldPtr && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return e, fmt.Errorf("decode ptr: %w", protowire.ParseError(n))
			}
			e.Ptr = uintptr(v)
			b = b[n:]
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return e, fmt.Errorf("decode field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldOp:
				e.Op = arena.Op(v)
			case fieldAllocationID:
				e.AllocationID = protowire.DecodeZigZag(v)
			case fieldSize:
				e.Size = v
			case fieldRequestedSize:
				e.RequestedSize = v
			case fieldStream:
				e.Stream = arena.StreamID(v)
			}
		default:
			// Skip fields written by newer versions.
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return e, fmt.Errorf("skip field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if e.Op == 0 {
		return e, fmt.Errorf("record has no op")
	}
	return e, nil
}
