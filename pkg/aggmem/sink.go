package aggmem

import "github.com/derivedflow/dflow/pkg/block"

// Sink adapts a Table to block.Sink, so it can sit as a fan-out writer's
// view target the same way any other storage does. Prefix/suffix/flush and
// profiling-info calls are accepted but have no effect — the aggregation
// state has no frame boundary concept of its own.
type Sink struct {
	Table *Table
}

var _ block.Sink = Sink{}

func (Sink) SetSampleBlock(block.Shape)        {}
func (Sink) WritePrefix() error                { return nil }
func (s Sink) Write(b block.Block) error       { return s.Table.Write(b) }
func (Sink) WriteSuffix() error                { return nil }
func (Sink) Flush() error                      { return nil }
func (Sink) SetTotals(block.Block) error       { return nil }
func (Sink) SetExtremes(block.Block) error     { return nil }
func (Sink) SetRowsBeforeLimit(uint64) error   { return nil }
