package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meshcall_active_peer_connections",
		Help: "Number of open engine peer connections",
	})

	ConnectionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshcall_peer_connections_created_total",
		Help: "Total number of engine peer connections created",
	})

	// ParticipantStateTransitionsTotal counts transitions by target state.
	ParticipantStateTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshcall_participant_state_transitions_total",
		Help: "Total number of participant state transitions",
	}, []string{"state"})

	ICERestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshcall_ice_restarts_total",
		Help: "Total number of ICE restarts issued",
	})

	// RestartDescriptionsDiscardedTotal counts ignored renegotiation descriptions.
	RestartDescriptionsDiscardedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshcall_restart_descriptions_discarded_total",
		Help: "Total number of stale or conflicting renegotiation descriptions discarded",
	}, []string{"sdp_type"}) // "offer" | "answer"

	// DeferredNegotiationsTotal counts work held back while an offer was in flight.
	DeferredNegotiationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshcall_deferred_negotiations_total",
		Help: "Total number of ICE restarts and remote offers deferred until signaling was stable",
	}, []string{"kind"}) // "restart" | "offer"

	RelayedMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshcall_relayed_messages_total",
		Help: "Total number of signaling messages forwarded through the caller",
	}, []string{"direction"}) // "forwarded" | "received" | "buffered"

	ProtocolViolationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshcall_protocol_violations_total",
		Help: "Total number of data channel messages dropped for role violations",
	}, []string{"message"})

	SignalMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshcall_signal_messages_total",
		Help: "Total number of signaling messages by type and direction",
	}, []string{"type", "direction"}) // direction: "in" | "out"
)
