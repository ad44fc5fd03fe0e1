// Package metrics is the process metrics registry the admin protocol's
// "stats" command enumerates: lock-free atomic counters plus a latency
// histogram, both iterable in sorted, stable order.
package metrics

import (
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/cachecored/cachecored/internal/protocol/admin"
)

// Registry holds every counter and histogram this server exposes via the
// admin "stats" command. Modeled on kcp-go's DefaultSnmp: a fixed set of
// atomic counters with a Header()/ToSlice()-shaped enumeration, here
// expressed as a sorted []admin.Stat snapshot.
type Registry struct {
	CmdGet          atomic.Int64
	CmdSet          atomic.Int64
	CmdDelete       atomic.Int64
	CmdFlush        atomic.Int64
	CurrConnections atomic.Int64
	BytesRead       atomic.Int64
	BytesWritten    atomic.Int64

	Latency Histogram
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{Latency: NewHistogram()}
}

// Snapshot returns every counter and histogram percentile as STAT lines,
// sorted lexicographically by name, per spec.md §4.2 ("in sorted order").
// Histograms expand to one line per percentile label.
func (r *Registry) Snapshot() []admin.Stat {
	stats := []admin.Stat{
		{Name: "bytes_read", Value: strconv.FormatInt(r.BytesRead.Load(), 10)},
		{Name: "bytes_written", Value: strconv.FormatInt(r.BytesWritten.Load(), 10)},
		{Name: "cmd_delete", Value: strconv.FormatInt(r.CmdDelete.Load(), 10)},
		{Name: "cmd_flush", Value: strconv.FormatInt(r.CmdFlush.Load(), 10)},
		{Name: "cmd_get", Value: strconv.FormatInt(r.CmdGet.Load(), 10)},
		{Name: "cmd_set", Value: strconv.FormatInt(r.CmdSet.Load(), 10)},
		{Name: "curr_connections", Value: strconv.FormatInt(r.CurrConnections.Load(), 10)},
	}
	stats = append(stats, r.Latency.Percentiles("request_latency_us")...)
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}
