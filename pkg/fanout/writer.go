// Package fanout implements the Dataflow Fan-out Writer: a sink that, for
// each incoming block written to a base table, fans it out to that table's
// primary sink plus every dependent view's sink, transitively.
package fanout

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/derivedflow/dflow/pkg/block"
	"github.com/derivedflow/dflow/pkg/catalog"
	"github.com/derivedflow/dflow/pkg/observability"
)

// ErrForwardFailed tags a sub-sink error surfaced during fan-out, matching
// the FORWARD_FAILED taxonomy kind.
var ErrForwardFailed = errors.New("fanout: forward to dependent view failed")

// Writer is a block.Sink composing a primary sink with one sub-Writer per
// dependent view. Writer itself satisfies block.Sink, so propagation
// through the view DAG is just nested Writer construction.
type Writer struct {
	log     logrus.FieldLogger
	target  catalog.StorageID
	primary block.Sink
	views   []*Writer
}

// New resolves target via cat, opens the primary sink (unless
// suppressPrimary), and recursively opens a sub-Writer for every storage
// that directly depends on the (possibly view-redirected) target.
//
// If target itself names a materialized view, its destination storage id is
// used in its place before the primary sink and dependent views are
// resolved — it asks the view for its destination storage id and recurses.
func New(log logrus.FieldLogger, cat *catalog.Catalog, target catalog.StorageID, suppressPrimary bool) (*Writer, error) {
	storage, err := cat.GetTable(target)
	if err != nil {
		return nil, fmt.Errorf("fanout: resolve %s: %w", target, err)
	}

	if view, ok := storage.(catalog.ViewStorage); ok {
		if dest, redirect := view.DestinationStorageID(); redirect {
			return New(log, cat, dest, suppressPrimary)
		}
	}

	w := &Writer{
		log:    log.WithField("fanout_target", target.String()),
		target: target,
	}

	if !suppressPrimary {
		w.primary = storage.Sink()
	}

	for _, dep := range cat.DependentViews(target) {
		sub, err := New(log, cat, dep.ID(), false)
		if err != nil {
			return nil, fmt.Errorf("fanout: open sub-writer for view %s: %w", dep.ID(), err)
		}

		w.views = append(w.views, sub)
	}

	return w, nil
}

// sinks returns the primary sink (if any) followed by every view
// sub-writer, in the fixed order writes must be issued.
func (w *Writer) sinks() []block.Sink {
	sinks := make([]block.Sink, 0, len(w.views)+1)

	if w.primary != nil {
		sinks = append(sinks, w.primary)
	}

	for _, v := range w.views {
		sinks = append(sinks, v)
	}

	return sinks
}

// SetSampleBlock forwards the sample shape to the primary sink and every
// view sub-writer.
func (w *Writer) SetSampleBlock(shape block.Shape) {
	for _, s := range w.sinks() {
		s.SetSampleBlock(shape)
	}
}

// WritePrefix broadcasts to every held sink.
func (w *Writer) WritePrefix() error {
	for _, s := range w.sinks() {
		if err := s.WritePrefix(); err != nil {
			return fmt.Errorf("%w: %w", ErrForwardFailed, err)
		}
	}

	return nil
}

// Write forwards block to the primary sink, then to each view's
// sub-writer in order. Fan-out is best-effort serial: if a view sink
// errors, later views are not written and the primary write (already
// performed) is not rolled back.
func (w *Writer) Write(b block.Block) error {
	if w.primary != nil {
		if err := w.primary.Write(b); err != nil {
			return err
		}
	}

	for _, v := range w.views {
		if err := v.Write(b); err != nil {
			w.log.WithError(err).WithField("view", v.target.String()).
				Warn("fan-out write to dependent view failed; later views skipped")

			observability.RecordFanoutWrite(w.target.String(), v.target.String(), "error")

			return fmt.Errorf("%w: view %s: %w", ErrForwardFailed, v.target, err)
		}

		observability.RecordFanoutWrite(w.target.String(), v.target.String(), "success")
	}

	return nil
}

// WriteSuffix broadcasts to every held sink.
func (w *Writer) WriteSuffix() error {
	for _, s := range w.sinks() {
		if err := s.WriteSuffix(); err != nil {
			return fmt.Errorf("%w: %w", ErrForwardFailed, err)
		}
	}

	return nil
}

// Flush broadcasts to every held sink.
func (w *Writer) Flush() error {
	for _, s := range w.sinks() {
		if err := s.Flush(); err != nil {
			return fmt.Errorf("%w: %w", ErrForwardFailed, err)
		}
	}

	return nil
}

// SetTotals forwards to every held sink.
func (w *Writer) SetTotals(b block.Block) error {
	for _, s := range w.sinks() {
		if err := s.SetTotals(b); err != nil {
			return err
		}
	}

	return nil
}

// SetExtremes forwards to every held sink.
func (w *Writer) SetExtremes(b block.Block) error {
	for _, s := range w.sinks() {
		if err := s.SetExtremes(b); err != nil {
			return err
		}
	}

	return nil
}

// SetRowsBeforeLimit forwards to every held sink.
func (w *Writer) SetRowsBeforeLimit(n uint64) error {
	for _, s := range w.sinks() {
		if err := s.SetRowsBeforeLimit(n); err != nil {
			return err
		}
	}

	return nil
}

var _ block.Sink = (*Writer)(nil)
