// Package pipe implements the Block Pipe Copier: transfer of an ordered
// frame sequence from a block.BlockSource to a block.Sink, preserving frame
// boundaries and honoring an externally-owned cancel flag.
package pipe

import (
	"fmt"
	"sync/atomic"

	"github.com/derivedflow/dflow/pkg/block"
	"github.com/derivedflow/dflow/pkg/observability"
)

// CancelFlag is the externally-owned cancellation flag checked with
// sequential consistency before each write and before forwarding stream
// metadata. It is the only cancellation path in the core.
type CancelFlag struct {
	flag atomic.Bool
}

// Set marks the flag cancelled.
func (c *CancelFlag) Set() { c.flag.Store(true) }

// IsSet reports whether the flag has been set. A nil *CancelFlag is never
// set, matching the source's "flag may be absent" contract.
func (c *CancelFlag) IsSet() bool {
	if c == nil {
		return false
	}

	return c.flag.Load()
}

// Copy reads blocks from src in arrival order and forwards them to dst,
// opening and closing frames as block boundaries dictate. cancel may be nil.
//
// On empty input (src never yields a block) Copy still emits exactly one
// WritePrefix/WriteSuffix pair so dst observes a well-formed empty frame.
//
// If cancel becomes set after that empty-frame prefix, Copy returns without
// emitting the suffix — the source it is grounded on does the same; this is
// preserved as-is rather than treated as an oversight.
func Copy(src block.BlockSource, dst block.Sink, cancel *CancelFlag) error {
	openFrame := false
	noData := true
	pipeLabel := fmt.Sprintf("%T", dst)

	for {
		b, ok, err := src.Next()
		if err != nil {
			return err
		}

		if !ok {
			break
		}

		noData = false

		if cancel.IsSet() {
			break
		}

		if !openFrame || b.IsStartFrame {
			dst.SetSampleBlock(b.Shape)

			if err := dst.WritePrefix(); err != nil {
				return err
			}

			openFrame = true
		}

		if err := dst.Write(b); err != nil {
			return err
		}

		observability.RecordPipeCopy(pipeLabel, float64(b.Rows))

		if b.IsEndFrame {
			if err := dst.WriteSuffix(); err != nil {
				return err
			}

			openFrame = false
		}
	}

	if noData {
		if err := dst.WritePrefix(); err != nil {
			return err
		}

		openFrame = true
	}

	if cancel.IsSet() {
		return nil
	}

	if info, ok := src.Profiling(); ok {
		if info.HasRowsBeforeLimit {
			if err := dst.SetRowsBeforeLimit(info.RowsBeforeLimit); err != nil {
				return err
			}
		}

		if info.Totals != nil {
			if err := dst.SetTotals(*info.Totals); err != nil {
				return err
			}
		}

		if info.Extremes != nil {
			if err := dst.SetExtremes(*info.Extremes); err != nil {
				return err
			}
		}
	}

	if cancel.IsSet() {
		return nil
	}

	if openFrame {
		if err := dst.WriteSuffix(); err != nil {
			return err
		}
	}

	return nil
}
