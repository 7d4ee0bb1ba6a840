package domain

import "time"

// MetricSample is a point-in-time throughput reading for one pipeline component.
// Counters the engine does not report for the component kind stay nil.
type MetricSample struct {
	ComponentID    string
	ComponentType  string
	Kind           ComponentKind
	ReceivedEvents *float64
	SentEvents     *float64
	ReceivedBytes  *float64
	SentBytes      *float64
	ObservedAt     time.Time
}
