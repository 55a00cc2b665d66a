package aggmem

import "fmt"

// State is one aggregate function's running accumulation for a single
// group. It is never shared across groups or writers; the Table clones a
// fresh State per new key it sees.
type State interface {
	Add(v any)
	Merge(other State)
	Result() any
}

// Func builds fresh State instances for one aggregate descriptor — the Go
// analogue of an AggregateFunctionPtr in the original's Aggregator::Params.
type Func interface {
	Name() string
	New() State
}

// Spec binds an aggregate function to the source column it consumes,
// mirroring AggregateDescription{column_name, function}.
type Spec struct {
	Name   string
	Func   Func
	Column string
}

type countState struct{ n int64 }

func (s *countState) Add(any)          { s.n++ }
func (s *countState) Merge(o State)    { s.n += o.(*countState).n }
func (s *countState) Result() any      { return s.n }

// CountFunc counts rows regardless of the argument column's value,
// including nil.
type CountFunc struct{}

func (CountFunc) Name() string  { return "count" }
func (CountFunc) New() State    { return &countState{} }

type sumState struct{ total float64 }

func (s *sumState) Add(v any) {
	if f, ok := toFloat(v); ok {
		s.total += f
	}
}
func (s *sumState) Merge(o State) { s.total += o.(*sumState).total }
func (s *sumState) Result() any   { return s.total }

// SumFunc sums a numeric column, skipping values that aren't numeric.
type SumFunc struct{}

func (SumFunc) Name() string { return "sum" }
func (SumFunc) New() State   { return &sumState{} }

type minState struct {
	val any
	set bool
}

func (s *minState) Add(v any) {
	f, ok := toFloat(v)
	if !ok {
		return
	}

	if !s.set {
		s.val, s.set = v, true

		return
	}

	if cur, _ := toFloat(s.val); f < cur {
		s.val = v
	}
}

func (s *minState) Merge(o State) {
	other := o.(*minState)
	if !other.set {
		return
	}

	s.Add(other.val)
}

func (s *minState) Result() any { return s.val }

// MinFunc tracks the minimum of a numeric column.
type MinFunc struct{}

func (MinFunc) Name() string { return "min" }
func (MinFunc) New() State   { return &minState{} }

type maxState struct {
	val any
	set bool
}

func (s *maxState) Add(v any) {
	f, ok := toFloat(v)
	if !ok {
		return
	}

	if !s.set {
		s.val, s.set = v, true

		return
	}

	if cur, _ := toFloat(s.val); f > cur {
		s.val = v
	}
}

func (s *maxState) Merge(o State) {
	other := o.(*maxState)
	if !other.set {
		return
	}

	s.Add(other.val)
}

func (s *maxState) Result() any { return s.val }

// MaxFunc tracks the maximum of a numeric column.
type MaxFunc struct{}

func (MaxFunc) Name() string { return "max" }
func (MaxFunc) New() State   { return &maxState{} }

type avgState struct {
	sum   float64
	count int64
}

func (s *avgState) Add(v any) {
	f, ok := toFloat(v)
	if !ok {
		return
	}

	s.sum += f
	s.count++
}

func (s *avgState) Merge(o State) {
	other := o.(*avgState)
	s.sum += other.sum
	s.count += other.count
}

func (s *avgState) Result() any {
	if s.count == 0 {
		return float64(0)
	}

	return s.sum / float64(s.count)
}

// AvgFunc computes the mean of a numeric column.
type AvgFunc struct{}

func (AvgFunc) Name() string { return "avg" }
func (AvgFunc) New() State   { return &avgState{} }

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// builtinFuncs is the name table ParseFunc resolves against; a name not in
// it is an error.
var builtinFuncs = map[string]func() Func{
	"count": func() Func { return CountFunc{} },
	"sum":   func() Func { return SumFunc{} },
	"min":   func() Func { return MinFunc{} },
	"max":   func() Func { return MaxFunc{} },
	"avg":   func() Func { return AvgFunc{} },
}

// ParseFunc resolves an aggregate function by its SQL name, the way the
// original resolves AggregateFunctionFactory::instance().get(name).
func ParseFunc(name string) (Func, error) {
	ctor, ok := builtinFuncs[name]
	if !ok {
		return nil, fmt.Errorf("aggmem: unknown aggregate function %q", name)
	}

	return ctor(), nil
}
