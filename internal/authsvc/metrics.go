package authsvc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	authAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authgw_auth_attempts_total",
			Help: "Total number of authentication and authorization attempts",
		},
		[]string{"operation", "result"},
	)
)

const (
	resultAllowed = "allowed"
	resultDenied  = "denied"
	resultError   = "error"
)

func observeResult(operation string, allowed bool, err error) {
	switch {
	case err != nil:
		authAttempts.WithLabelValues(operation, resultError).Inc()
	case allowed:
		authAttempts.WithLabelValues(operation, resultAllowed).Inc()
	default:
		authAttempts.WithLabelValues(operation, resultDenied).Inc()
	}
}
