package adapter

import "github.com/prometheus/client_golang/prometheus"

var (
	commandCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "isokv_commands_total",
		Help: "Total number of RESP commands served",
	}, []string{"command"})

	txnOutcomeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "isokv_transaction_outcomes_total",
		Help: "Interactive transactions closed by COMMIT or ROLLBACK, by outcome",
	}, []string{"outcome"})
)

const (
	outcomeCommitted = "committed"
	outcomeConflict  = "conflict"
	outcomeFailed    = "failed"
	outcomeRollback  = "rollback"
)

func init() {
	prometheus.MustRegister(commandCounter, txnOutcomeCounter)
}
