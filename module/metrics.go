package module

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	modulesLoaded  *prometheus.CounterVec
	bytesAssembled prometheus.Counter
	fixupsApplied  *prometheus.CounterVec
	fixupsSkipped  *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		modulesLoaded: registerOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lxload_modules_loaded_total",
			Help: "Total number of modules loaded by format and status.",
		}, []string{"format", "status"})),
		bytesAssembled: registerOrGet(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lxload_object_bytes_assembled_total",
			Help: "Total number of object bytes read from data pages.",
		})),
		fixupsApplied: registerOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lxload_fixups_applied_total",
			Help: "Total number of fixup destinations patched by source kind.",
		}, []string{"kind"})),
		fixupsSkipped: registerOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lxload_fixups_skipped_total",
			Help: "Total number of fixups not applied by reason.",
		}, []string{"reason"})),
	}
}

// registerOrGet registers c with reg. If an equal collector is already
// registered, the existing one is returned so that several modules loaded
// with the same registerer share their metrics.
func registerOrGet[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return already.ExistingCollector.(T)
		}
		panic(err)
	}
	return c
}
