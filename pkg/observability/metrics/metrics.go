package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	IsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agency",
		Name:      "is_leader",
		Help:      "1 if this peer currently leads the agency, else 0",
	})

	Term = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agency",
		Name:      "term",
		Help:      "Current term as observed by this peer",
	})

	CommitIndex = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agency",
		Name:      "commit_index",
		Help:      "Highest log index known to be committed",
	})

	LastLogIndex = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agency",
		Name:      "last_log_index",
		Help:      "Index of the last entry in the local log",
	})

	LeaderChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agency",
		Name:      "leader_changes_total",
		Help:      "Total number of leadership acquisitions by this peer",
	})

	ElectionsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agency",
		Name:      "elections_started_total",
		Help:      "Total number of elections this peer has started",
	})

	VotesGranted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agency",
		Name:      "votes_granted_total",
		Help:      "Total number of votes granted to candidates",
	})

	WritesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agency",
		Name:      "writes_total",
		Help:      "Client writes handled, by result",
	}, []string{"result"})

	ReadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agency",
		Name:      "reads_total",
		Help:      "Client reads handled, by result",
	}, []string{"result"})

	AppendSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agency",
		Subsystem: "replication",
		Name:      "append_sent_total",
		Help:      "Append-entries RPCs dispatched to followers (incl. heartbeats)",
	})

	AppendRecvTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agency",
		Subsystem: "replication",
		Name:      "append_recv_total",
		Help:      "Append-entries RPCs ingested, by result",
	}, []string{"result"})

	WaitTimeoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agency",
		Name:      "wait_timeouts_total",
		Help:      "waitFor calls that gave up before their index committed",
	})
)

// Register registers all collectors into the default Prometheus registry
// (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(IsLeader)
		prometheus.MustRegister(Term)
		prometheus.MustRegister(CommitIndex)
		prometheus.MustRegister(LastLogIndex)
		prometheus.MustRegister(LeaderChanges)
		prometheus.MustRegister(ElectionsStarted)
		prometheus.MustRegister(VotesGranted)
		prometheus.MustRegister(WritesTotal)
		prometheus.MustRegister(ReadsTotal)
		prometheus.MustRegister(AppendSentTotal)
		prometheus.MustRegister(AppendRecvTotal)
		prometheus.MustRegister(WaitTimeoutsTotal)
	})
}
