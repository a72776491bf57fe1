package backend

import (
	"github.com/cuemby/vgraph/pkg/errs"
	"github.com/cuemby/vgraph/pkg/metrics"
)

// observe times fn, recording BackendCallDuration and, on a *errs.Error
// failure, BackendErrorsTotal labeled by the error kind.
func observe(kind, op string, fn func() error) error {
	timer := metrics.NewTimer()
	err := fn()
	timer.ObserveDurationVec(metrics.BackendCallDuration, kind, op)
	if err != nil {
		metrics.BackendErrorsTotal.WithLabelValues(kind, op, string(errs.KindOf(err))).Inc()
	}
	return err
}
