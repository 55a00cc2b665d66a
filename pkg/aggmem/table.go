// Package aggmem implements the in-memory aggregating table (C5): a
// storage whose contents are the running result of `SELECT agg_exprs FROM
// source GROUP BY keys` over every block ever written to it, grounded on
// StorageAggregatingMemory.cpp.
package aggmem

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/derivedflow/dflow/pkg/block"
	"github.com/derivedflow/dflow/pkg/observability"
)

// ErrShapeMismatch is returned when a write's block does not conform to the
// table's captured pre-aggregation shape.
var ErrShapeMismatch = errors.New("aggmem: block does not match pre-aggregation shape")

// Transform rewrites a block into a new shape, the Go stand-in for the
// original's ExpressionActions::execute over an ActionsDAG — before_window,
// before_order_by and final_projection are all instances of this.
type Transform func(b block.Block) (block.Block, error)

// Config describes one aggregating table, playing the role the original
// derives by analyzing the CREATE ... ENGINE = AggregatingMemory AS SELECT
// query. This module takes the analyzed result directly rather than
// re-implementing a SQL analyzer.
type Config struct {
	// Name identifies this table for metrics and log fields. Optional;
	// empty is a valid, if anonymous, label value.
	Name string

	// SourceShape is the captured column list of the referenced source
	// table — the pre-aggregation shape every Write must match.
	SourceShape block.Shape

	// BeforeAggregation converts a pre-aggregation block into the shape fed
	// to the aggregator (key columns followed by aggregate argument
	// columns). A nil BeforeAggregation is the identity transform.
	BeforeAggregation Transform

	// Keys names the grouping-key columns in BeforeAggregation's output
	// shape, in order. Empty means aggregation without GROUP BY.
	Keys []string

	// Aggregates lists the aggregate descriptors, each naming the column of
	// BeforeAggregation's output it consumes.
	Aggregates []Spec

	// EmptyResultForAggregationByEmptySet suppresses the single seed row
	// otherwise produced for keyless aggregation over an untouched table.
	EmptyResultForAggregationByEmptySet bool

	// BeforeWindow, BeforeOrderBy and FinalProjection are applied in order
	// to the merged result on Read. Any of them may be nil.
	BeforeWindow    Transform
	BeforeOrderBy   Transform
	FinalProjection Transform
}

// OutputShape returns the table's post-aggregation column list: grouping
// keys first, then one column per aggregate descriptor.
func (c Config) OutputShape() block.Shape {
	shape := make(block.Shape, 0, len(c.Keys)+len(c.Aggregates))

	for _, k := range c.Keys {
		shape = append(shape, block.Column{Name: k, Type: "key"})
	}

	for _, a := range c.Aggregates {
		shape = append(shape, block.Column{Name: a.Name, Type: a.Func.Name()})
	}

	return shape
}

// variants is the shared aggregation arena: one group per distinct key
// tuple, guarded by Table.mu. It plays the role of AggregatedDataVariants.
type variants struct {
	groups map[string][]State
	order  []string
	keyVal map[string][]any
}

func newVariants() *variants {
	return &variants{groups: map[string][]State{}, keyVal: map[string][]any{}}
}

// Table is the in-memory aggregating storage of C5. The zero value is not
// usable; construct with New.
type Table struct {
	cfg Config

	keyIndex []int // positions of Keys within BeforeAggregation's output shape
	argIndex []int // positions of each aggregate's argument column

	mu sync.Mutex
	v  *variants
}

// New constructs a Table, resolving key and aggregate-argument positions
// against BeforeAggregation's declared output shape, and seeding the
// single-row empty aggregate when the query is keyless and does not ask for
// empty-set-returns-empty — matching the original constructor's
// `if (params.keys_size == 0 && !params.empty_result_for_aggregation_by_empty_set)`
// seed-write.
func New(cfg Config, aggInputShape block.Shape) (*Table, error) {
	keyIndex := make([]int, len(cfg.Keys))

	for i, k := range cfg.Keys {
		pos := indexOf(aggInputShape, k)
		if pos < 0 {
			return nil, fmt.Errorf("%w: grouping key %q not in aggregator input shape", ErrShapeMismatch, k)
		}

		keyIndex[i] = pos
	}

	argIndex := make([]int, len(cfg.Aggregates))

	for i, a := range cfg.Aggregates {
		pos := indexOf(aggInputShape, a.Column)
		if pos < 0 {
			return nil, fmt.Errorf("%w: aggregate argument column %q not in aggregator input shape", ErrShapeMismatch, a.Column)
		}

		argIndex[i] = pos
	}

	t := &Table{
		cfg:      cfg,
		keyIndex: keyIndex,
		argIndex: argIndex,
		v:        newVariants(),
	}

	if len(cfg.Keys) == 0 && !cfg.EmptyResultForAggregationByEmptySet {
		// The keyless group is keyed by the empty key tuple (""), the same
		// key every later keyless Write folds into.
		states := make([]State, len(cfg.Aggregates))
		for i, a := range cfg.Aggregates {
			states[i] = a.Func.New()
		}

		t.v.groups[""] = states
		t.v.keyVal[""] = []any{}
		t.v.order = append(t.v.order, "")
	}

	return t, nil
}

func indexOf(shape block.Shape, name string) int {
	for i, c := range shape {
		if c.Name == name {
			return i
		}
	}

	return -1
}

// Write validates b against the pre-aggregation shape, applies
// BeforeAggregation, then folds each resulting row into the shared variants
// — executeOnBlock's Go analogue. Each call holds its own local scratch
// (the transformed block) and only takes Table.mu to merge into the shared
// arena, matching "writers hold own scratch; the aggregator serializes
// mutation of the shared variants."
func (t *Table) Write(b block.Block) error {
	if !b.Shape.Equal(t.cfg.SourceShape) {
		return fmt.Errorf("%w: got %v want %v", ErrShapeMismatch, b.Shape.Names(), t.cfg.SourceShape.Names())
	}

	transformed := b

	if t.cfg.BeforeAggregation != nil {
		var err error

		transformed, err = t.cfg.BeforeAggregation(b)
		if err != nil {
			return fmt.Errorf("aggmem: before_aggregation: %w", err)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for row := 0; row < transformed.Rows; row++ {
		keyVals := make([]any, len(t.keyIndex))
		for i, col := range t.keyIndex {
			keyVals[i] = transformed.Columns[col][row]
		}

		keyStr := keyString(keyVals)

		states, ok := t.v.groups[keyStr]
		if !ok {
			states = make([]State, len(t.cfg.Aggregates))
			for i, a := range t.cfg.Aggregates {
				states[i] = a.Func.New()
			}

			t.v.groups[keyStr] = states
			t.v.keyVal[keyStr] = keyVals
			t.v.order = append(t.v.order, keyStr)
		}

		for i, col := range t.argIndex {
			states[i].Add(transformed.Columns[col][row])
		}
	}

	observability.RecordAggmemWrite(t.cfg.Name, float64(transformed.Rows))
	observability.RecordAggmemGroups(t.cfg.Name, float64(len(t.v.order)))

	return nil
}

func keyString(vals []any) string {
	var sb strings.Builder

	for i, v := range vals {
		if i > 0 {
			sb.WriteByte(0)
		}

		fmt.Fprintf(&sb, "%v", v)
	}

	return sb.String()
}

// Read merges the shared variants into a single finalized block — one row
// per distinct key tuple seen so far, in first-seen order — then applies
// before_window, before_order_by and final_projection in sequence. A
// concurrent Write during a Read may or may not be reflected in the result:
// the merge is a snapshot taken under lock, not a transactional view.
func (t *Table) Read() (block.Block, error) {
	t.mu.Lock()
	order := append([]string(nil), t.v.order...)

	groups := make(map[string][]State, len(t.v.groups))
	for k, v := range t.v.groups {
		groups[k] = v
	}

	keyVal := make(map[string][]any, len(t.v.keyVal))
	for k, v := range t.v.keyVal {
		keyVal[k] = v
	}
	t.mu.Unlock()

	outShape := t.cfg.OutputShape()
	cols := make([][]any, len(outShape))

	for _, keyStr := range order {
		keys := keyVal[keyStr]
		states := groups[keyStr]

		for i, kv := range keys {
			cols[i] = append(cols[i], kv)
		}

		for i, st := range states {
			cols[len(keys)+i] = append(cols[len(keys)+i], st.Result())
		}
	}

	result := block.NewBlock(outShape, cols, true, true)

	var err error

	if fn := t.cfg.BeforeWindow; fn != nil {
		result, err = fn(result)
		if err != nil {
			return block.Block{}, fmt.Errorf("aggmem: before_window: %w", err)
		}
	}

	if fn := t.cfg.BeforeOrderBy; fn != nil {
		result, err = fn(result)
		if err != nil {
			return block.Block{}, fmt.Errorf("aggmem: before_order_by: %w", err)
		}
	}

	if fn := t.cfg.FinalProjection; fn != nil {
		result, err = fn(result)
		if err != nil {
			return block.Block{}, fmt.Errorf("aggmem: final_projection: %w", err)
		}
	}

	return result, nil
}

// Drop deallocates the aggregation state entirely.
func (t *Table) Drop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.v = newVariants()

	observability.RecordAggmemGroups(t.cfg.Name, 0)
}

// Truncate clears the aggregation state the same way Drop does; aggmem has
// no on-disk representation to distinguish the two.
func (t *Table) Truncate() {
	t.Drop()
}
