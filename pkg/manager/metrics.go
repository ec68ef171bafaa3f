package manager

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kiwi-io/kiwi/pkg/version"
)

var (
	claimsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: version.Program + "_claims_total",
		Help: "Count of address claim attempts by result",
	}, []string{"result"})

	releasesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: version.Program + "_releases_total",
		Help: "Count of address releases",
	})

	refreshFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: version.Program + "_refresh_failures_total",
		Help: "Count of failed lease refreshes",
	})

	eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: version.Program + "_events_total",
		Help: "Count of events consumed by the manager, by type",
	}, []string{"type"})
)

// MustRegister registers manager metrics
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(claimsTotal, releasesTotal, refreshFailuresTotal, eventsTotal)
}
