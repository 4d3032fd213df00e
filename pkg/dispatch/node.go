package dispatch

import (
	"sync/atomic"
	"time"
)

// RemoteNode is a remote worker advertising a set of labels it can execute.
// The load counters are updated concurrently by submitter goroutines.
type RemoteNode struct {
	Name      string
	BaseURL   string
	Labels    []string
	AuthToken string
	Weight    int

	inflight  atomic.Int64
	lastOK    atomic.Int64 // unix nanos of the most recent successful submit
	unhealthy atomic.Bool
}

// Inflight returns the count of outstanding remote submissions.
func (n *RemoteNode) Inflight() int64 { return n.inflight.Load() }

// LastOK returns the instant of the most recent successful submission, or
// the zero time if none has succeeded yet.
func (n *RemoteNode) LastOK() time.Time {
	ns := n.lastOK.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Healthy reports the last probe outcome. Nodes start healthy.
func (n *RemoteNode) Healthy() bool { return !n.unhealthy.Load() }

func (n *RemoteNode) setHealthy(ok bool) { n.unhealthy.Store(!ok) }

func (n *RemoteNode) markOK() { n.lastOK.Store(time.Now().UnixNano()) }

// hasAnyLabel reports whether the node advertises at least one of labels.
func (n *RemoteNode) hasAnyLabel(labels []string) bool {
	for _, want := range labels {
		for _, have := range n.Labels {
			if want == have {
				return true
			}
		}
	}
	return false
}
