package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions          = promauto.NewGauge(prometheus.GaugeOpts{Name: "cardq_active_sessions", Help: "Current registered sessions"})
	Subscribers             = promauto.NewGauge(prometheus.GaugeOpts{Name: "cardq_subscribers", Help: "Live notification subscribers"})
	DeckAvailable           = promauto.NewGauge(prometheus.GaugeOpts{Name: "cardq_deck_available", Help: "Cards currently available in the deck"})
	CommandsTotal           = promauto.NewCounterVec(prometheus.CounterOpts{Name: "cardq_commands_total", Help: "Commands handled by action and status"}, []string{"action", "status"})
	NotificationsDelivered  = promauto.NewCounter(prometheus.CounterOpts{Name: "cardq_notifications_delivered_total", Help: "Mailbox messages written to dedicated sockets"})
	SubscribersEvictedTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "cardq_subscribers_evicted_total", Help: "Subscribers evicted by reason"}, []string{"reason"})
	ErrorsTotal             = promauto.NewCounterVec(prometheus.CounterOpts{Name: "cardq_errors_total", Help: "Errors by type"}, []string{"type"})
	CommandDurationSeconds  = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "cardq_command_duration_seconds", Help: "Command handling latency", Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14)}, []string{"action"})
)
