package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	// buildInfo is always 1; the labels carry the build.
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "OCPI hub build information.",
		},
		[]string{"version", "commit", "ocpi_version"},
	)
)

// InitBuildInfo registers build_info once and sets the labels for this binary.
func InitBuildInfo(version, commit, ocpiVersion string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})

	buildInfo.WithLabelValues(version, commit, ocpiVersion).Set(1)
}
