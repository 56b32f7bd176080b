package whitelist

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	buildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dirbs_whitelist_distributor_build_info",
		Help: "Build information of the whitelist distributor",
	}, []string{"version", "commit", "date"})

	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dirbs_whitelist_distributor_events_published_total", Help: "Whitelist change events acked by the broker.",
	}, []string{"change"})
	publishErrs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dirbs_whitelist_distributor_publish_errors_total", Help: "Total publish failures.",
	})
	notifications = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dirbs_whitelist_distributor_notifications_total", Help: "Postgres notifications received on the change channel.",
	})
	drainBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dirbs_whitelist_distributor_unpublished_events", Help: "Unpublished events observed at the start of the last drain.",
	})
)

func SetBuildInfo(version, commit, date string) {
	buildInfo.WithLabelValues(version, commit, date).Set(1)
}
