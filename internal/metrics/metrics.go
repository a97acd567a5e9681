package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Saved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "msg_durable_saved_total",
		Help: "Total messages accepted and appended to the messages log.",
	})
	SaveFail = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "msg_durable_save_fail_total",
		Help: "Total submissions rejected with a persistence error.",
	})
	ParseFail = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "msg_durable_parse_fail_total",
		Help: "Total log lines skipped because they failed to decode.",
	})
	Acked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "msg_durable_acked_total",
		Help: "Total acknowledgment records written.",
	})

	Committed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "msg_durable_committed_total",
		Help: "Total messages committed to the primary store.",
	})
	Duplicates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "msg_durable_duplicates_total",
		Help: "Total commits skipped because the record already existed (idempotent ack path).",
	})
	CommitFail = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "msg_durable_commit_fail_total",
		Help: "Total primary-store commit failures (retried by recovery).",
	})
	BatchRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "msg_durable_batch_runs_total",
		Help: "Total completed batch committer runs.",
	})
	BatchSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "msg_durable_batch_skipped_total",
		Help: "Total batch runs skipped (already running, empty queue or breaker open).",
	})

	Recovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "msg_durable_recovered_total",
		Help: "Total messages committed by the recovery loop.",
	})
	Poisoned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "msg_durable_poisoned_total",
		Help: "Total messages moved to the poison log after exceeding max retries.",
	})
	UnresolvedAcks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "msg_durable_unresolved_acks_total",
		Help: "Total acknowledgments with no matching primary-store record (reconciliation gaps).",
	})

	WSPushOK = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "msg_durable_ws_push_ok_total",
		Help: "Total realtime deliveries pushed to a connected receiver.",
	})
	WSPushOffline = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "msg_durable_ws_push_offline_total",
		Help: "Total realtime deliveries skipped because the receiver was offline.",
	})
	WSPushBackpressure = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "msg_durable_ws_push_backpressure_total",
		Help: "Total realtime deliveries dropped due to a full outbound queue.",
	})

	Pending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "msg_durable_pending",
		Help: "Messages currently queued for batch commit.",
	})
	OnlineConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "msg_durable_online_conns",
		Help: "Currently connected websocket clients.",
	})
)

func Register() {
	prometheus.MustRegister(
		Saved, SaveFail, ParseFail, Acked,
		Committed, Duplicates, CommitFail,
		BatchRuns, BatchSkipped,
		Recovered, Poisoned, UnresolvedAcks,
		WSPushOK, WSPushOffline, WSPushBackpressure,
		Pending, OnlineConns,
	)
}
