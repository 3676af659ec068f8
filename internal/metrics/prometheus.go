package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	LinksCreatedTotal       prometheus.Counter
	LinksRefreshedTotal     prometheus.Counter
	LinksInvalidatedTotal   prometheus.Counter
	LinksDeletedTotal       prometheus.Counter
	AccessTokensIssuedTotal prometheus.Counter
	TokenCacheHitsTotal     prometheus.Counter
	TokenCacheMissesTotal   prometheus.Counter
	LockContentionTotal     prometheus.Counter
)

func init() {
	// Counters exist even before registration so library code can always
	// increment them; main re-runs this with a real registerer.
	InitCustomMetrics(nil)
}

// InitCustomMetrics initializes and registers custom Prometheus metrics.
// It should be called once at application startup.
func InitCustomMetrics(reg prometheus.Registerer) {
	LinksCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ecm_links_created_total",
		Help: "Total number of linked accounts created.",
	})
	LinksRefreshedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ecm_links_refreshed_total",
		Help: "Total number of linked accounts refreshed.",
	})
	LinksInvalidatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ecm_links_invalidated_total",
		Help: "Total number of linked accounts invalidated by unrecoverable provider errors.",
	})
	LinksDeletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ecm_links_deleted_total",
		Help: "Total number of linked accounts deleted.",
	})
	AccessTokensIssuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ecm_access_tokens_issued_total",
		Help: "Total number of provider access tokens handed to callers.",
	})
	TokenCacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ecm_token_cache_hits_total",
		Help: "Total number of access-token cache hits.",
	})
	TokenCacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ecm_token_cache_misses_total",
		Help: "Total number of access-token cache misses.",
	})
	LockContentionTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ecm_lock_contention_total",
		Help: "Total number of distributed lock acquisitions lost to a competing holder.",
	})

	if reg == nil {
		return
	}
	for _, c := range []prometheus.Collector{
		LinksCreatedTotal, LinksRefreshedTotal, LinksInvalidatedTotal, LinksDeletedTotal,
		AccessTokensIssuedTotal, TokenCacheHitsTotal, TokenCacheMissesTotal, LockContentionTotal,
	} {
		if err := reg.Register(c); err != nil {
			log.Warn().Err(err).Msg("Failed to register metric")
		}
	}
}
