package attest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	attestationsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voiceplane_attestations_accepted_total",
		Help: "Attestations accepted by the settlement facilitator.",
	})

	attestationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voiceplane_attestation_failures_total",
		Help: "Per-room attestation failures recorded for retry.",
	})
)
