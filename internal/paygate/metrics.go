package paygate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	challengesIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voiceplane_payment_challenges_total",
		Help: "Payment challenges issued, by scope.",
	}, []string{"scope"})

	entitlementsGranted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voiceplane_entitlements_granted_total",
		Help: "Entitlements granted after a verified payment, by scope.",
	}, []string{"scope"})

	signaturesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voiceplane_payment_signatures_rejected_total",
		Help: "Payment signatures that failed envelope or replay checks.",
	})
)
