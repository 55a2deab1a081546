package command

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	commandsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "yetilink_command_submitted_total",
		Help: "Optimistic desired-state writes submitted.",
	})

	commandsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yetilink_command_settled_total",
		Help: "Settled commands by resolution.",
	}, []string{"resolution"})

	externalChanges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "yetilink_command_external_changes_total",
		Help: "Configuration changes detected that no local command initiated.",
	})
)
