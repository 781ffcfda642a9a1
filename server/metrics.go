package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	callbackOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oidcbff_callback_outcomes_total",
			Help: "Terminal states reached by the authorization callback, by reason.",
		},
		[]string{"reason"},
	)

	refreshResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oidcbff_token_refresh_total",
			Help: "Refresh grant results. shared counts callers that joined an in-flight refresh.",
		},
		[]string{"result"},
	)

	discoveryFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oidcbff_discovery_fetches_total",
			Help: "Discovery document fetches by result.",
		},
		[]string{"result"},
	)

	discoveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "oidcbff_discovery_duration_seconds",
			Help:    "Time spent fetching the discovery document.",
			Buckets: prometheus.DefBuckets,
		},
	)

	sessionResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oidcbff_session_resolutions_total",
			Help: "Session resolution results per request.",
		},
		[]string{"result"},
	)

	guardRedirects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "oidcbff_guard_redirects_total",
			Help: "Protected requests redirected to login for lack of an access-token cookie.",
		},
	)
)
