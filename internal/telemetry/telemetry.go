// Package telemetry provides session correlation ids and operation
// counters for dump/restore runs. It is purely observational: nothing
// in the engine's control flow depends on it.
package telemetry

import (
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// BytesStreamed counts raw mapping payload bytes moved across the
	// command channel, labeled by direction ("out" or "in").
	BytesStreamed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "telefork",
		Name:      "bytes_streamed_total",
		Help:      "Bytes streamed across the checkpoint/restore command channel.",
	}, []string{"direction"})

	// MappingsRestored counts Mapping commands applied by the acceptor.
	MappingsRestored = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "telefork",
		Name:      "mappings_restored_total",
		Help:      "Mapping commands applied by the acceptor.",
	})

	// RemoteSyscalls counts remote syscalls issued through the ptrace
	// executor, labeled by syscall name.
	RemoteSyscalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "telefork",
		Name:      "remote_syscalls_total",
		Help:      "Remote syscalls issued inside a traced victim/donor.",
	}, []string{"syscall"})
)

func init() {
	prometheus.MustRegister(BytesStreamed, MappingsRestored, RemoteSyscalls)
}

// NewSessionID returns a correlation id for a single dump or restore
// operation, attached to the CLI's own log lines for that operation.
func NewSessionID() string {
	return uuid.New().String()
}
