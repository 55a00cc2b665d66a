// Package block defines the columnar batch and sink contracts shared by the
// pipe copier, the fan-out writer, the aggregating table, and the
// materialized view controller.
package block

// Column describes one named, typed slot in a Shape. The underlying value
// type is never interpreted by the core; it is carried as any and handed to
// whichever storage engine ultimately consumes it.
type Column struct {
	Name string
	Type string
}

// Shape is the ordered, named+typed column list a Block conforms to. All
// blocks within one frame must share the same Shape.
type Shape []Column

// Equal reports whether two shapes have identical column names and types in
// the same order.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}

	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}

	return true
}

// Names returns the ordered column names.
func (s Shape) Names() []string {
	names := make([]string, len(s))
	for i, c := range s {
		names[i] = c.Name
	}

	return names
}

// Block is one columnar batch within a frame. Columns holds one slice per
// Shape entry, in Shape order; each slice has Rows elements.
type Block struct {
	Shape       Shape
	Columns     [][]any
	Rows        int
	IsStartFrame bool
	IsEndFrame   bool
}

// NewBlock builds a Block with the given shape and columns, deriving Rows
// from the first column (0 if the shape is empty).
func NewBlock(shape Shape, columns [][]any, isStart, isEnd bool) Block {
	rows := 0
	if len(columns) > 0 {
		rows = len(columns[0])
	}

	return Block{
		Shape:        shape,
		Columns:      columns,
		Rows:         rows,
		IsStartFrame: isStart,
		IsEndFrame:   isEnd,
	}
}

// ProfilingInfo carries the end-of-stream metadata a BlockSource may expose:
// rows_before_limit, totals, and extremes.
type ProfilingInfo struct {
	RowsBeforeLimit      uint64
	HasRowsBeforeLimit   bool
	Totals               *Block
	Extremes             *Block
}

// BlockSource is read by the pipe copier in arrival order.
type BlockSource interface {
	// Next returns the next block, or ok=false when the source is exhausted.
	Next() (b Block, ok bool, err error)
	// Profiling returns end-of-stream metadata, if this source exposes any.
	Profiling() (ProfilingInfo, bool)
}

// Sink is the external shape every storage engine's write path conforms to.
// A conformant sink accepts exactly one prefix/suffix pair per frame and at
// least one SetSampleBlock call before the first Write in a frame.
type Sink interface {
	SetSampleBlock(shape Shape)
	WritePrefix() error
	Write(b Block) error
	WriteSuffix() error
	Flush() error
	SetTotals(b Block) error
	SetExtremes(b Block) error
	SetRowsBeforeLimit(n uint64) error
}
