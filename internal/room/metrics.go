package room

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================================
// Prometheus Metrics
// ============================================================================

var (
	activeRooms = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voiceplane_rooms_active",
		Help: "Live room actors by kind",
	}, []string{"kind"})

	activeParticipants = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voiceplane_participants_active",
		Help: "Participants currently joined across all rooms",
	})

	heartbeatsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voiceplane_heartbeats_total",
		Help: "Participant heartbeats processed",
	})

	debitedSecondsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voiceplane_debited_seconds_total",
		Help: "Credit seconds debited by metering",
	})

	evictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voiceplane_evictions_total",
		Help: "Participants evicted for missed heartbeats",
	})

	tokensMinted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voiceplane_media_tokens_minted_total",
		Help: "Media tokens minted by grant type",
	}, []string{"grant"})
)
