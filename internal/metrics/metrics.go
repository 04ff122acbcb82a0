// Package metrics exposes the daemon's Prometheus collectors. A Metrics
// value owns its registry so tests can run with isolated registries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "meshtalk"

type Metrics struct {
	reg *prometheus.Registry

	PeersOnline       prometheus.Gauge
	PeersDiscovered   prometheus.Counter
	HeartbeatTicks    prometheus.Counter
	ReconnectAttempts prometheus.Counter
	ReconnectGiveups  prometheus.Counter
	DialFailures      prometheus.Counter

	MessagesSent      prometheus.Counter
	MessagesReceived  prometheus.Counter
	MessagesCleartext prometheus.Counter
	DecryptFailures   prometheus.Counter
	AckTimeouts       prometheus.Counter

	PeerKeyChanges prometheus.Counter

	TransfersStarted   prometheus.Counter
	TransfersCompleted prometheus.Counter
	TransfersFailed    prometheus.Counter
	TransfersRejected  prometheus.Counter
	ChunksSent         prometheus.Counter
	ChunksReceived     prometheus.Counter
	ChunkHashFailures  prometheus.Counter
	FileBytesSent      prometheus.Counter
	FileBytesReceived  prometheus.Counter

	StoreJobs        prometheus.Counter
	StoreJobFailures prometheus.Counter
	StoreQueueDepth  prometheus.Gauge
}

// New builds the collector set on reg. A nil reg gets a private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,

		PeersOnline: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "mesh", Name: "peers_online",
			Help: "Peers currently marked online.",
		}),
		PeersDiscovered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mesh", Name: "peers_discovered_total",
			Help: "Peers first seen via discovery.",
		}),
		HeartbeatTicks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mesh", Name: "heartbeat_ticks_total",
			Help: "Heartbeat sweeps run; each refreshes self last_seen and marks stale peers offline.",
		}),
		ReconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mesh", Name: "reconnect_attempts_total",
			Help: "Reconnect attempts against unresponsive peers.",
		}),
		ReconnectGiveups: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mesh", Name: "reconnect_giveups_total",
			Help: "Peers marked offline after exhausting reconnect attempts.",
		}),
		DialFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mesh", Name: "dial_failures_total",
			Help: "Failed connection attempts.",
		}),

		MessagesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "messages", Name: "sent_total",
			Help: "Messages sent, counted once per recipient delivery.",
		}),
		MessagesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "messages", Name: "received_total",
			Help: "Inbound messages accepted and persisted.",
		}),
		MessagesCleartext: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "messages", Name: "cleartext_total",
			Help: "Messages sent without encryption because no peer key was on record.",
		}),
		DecryptFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "messages", Name: "decrypt_failures_total",
			Help: "Inbound messages whose ciphertext failed to decrypt.",
		}),
		AckTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "messages", Name: "ack_timeouts_total",
			Help: "Message deliveries that never saw an ack.",
		}),

		PeerKeyChanges: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "keys", Name: "peer_key_changes_total",
			Help: "Detected peer key rotations (safety number changes).",
		}),

		TransfersStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "files", Name: "transfers_started_total",
			Help: "File transfers announced or received.",
		}),
		TransfersCompleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "files", Name: "transfers_completed_total",
			Help: "File transfers verified and completed.",
		}),
		TransfersFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "files", Name: "transfers_failed_total",
			Help: "File transfers that ended in failure.",
		}),
		TransfersRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "files", Name: "transfers_rejected_total",
			Help: "Transfer announcements rejected or timed out.",
		}),
		ChunksSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "files", Name: "chunks_sent_total",
			Help: "File chunks written to peers.",
		}),
		ChunksReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "files", Name: "chunks_received_total",
			Help: "File chunks accepted from peers.",
		}),
		ChunkHashFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "files", Name: "chunk_hash_failures_total",
			Help: "Chunks rejected for hash mismatch.",
		}),
		FileBytesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "files", Name: "bytes_sent_total",
			Help: "File payload bytes sent.",
		}),
		FileBytesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "files", Name: "bytes_received_total",
			Help: "File payload bytes received.",
		}),

		StoreJobs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "jobs_total",
			Help: "Jobs submitted to the store worker pool.",
		}),
		StoreJobFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "job_failures_total",
			Help: "Store worker jobs that returned an error.",
		}),
		StoreQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "store", Name: "queue_depth",
			Help: "Jobs waiting in the store worker pool.",
		}),
	}
}

// Registry returns the backing registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}
