package audit

import (
	"sort"

	"github.com/google/uuid"
	"github.com/stephnangue/capsule/link"
	"github.com/stephnangue/capsule/logger"
	"github.com/stephnangue/capsule/metrics"
	"github.com/stephnangue/capsule/notify"
)

// LinkLookup finds the current link of a resource.
type LinkLookup interface {
	Get(name string) (link.Link, bool)
}

type windowKey struct {
	token    uuid.UUID
	resource string
}

// Recorder accumulates validated accesses for the current window. It is
// used from the background loop only.
type Recorder struct {
	links   LinkLookup
	counts  map[windowKey]int
	order   []windowKey
	logger  logger.Logger
	metrics *metrics.Metrics
}

func NewRecorder(links LinkLookup, log logger.Logger, m *metrics.Metrics) *Recorder {
	if log == nil {
		log = logger.NopLogger()
	}
	return &Recorder{
		links:   links,
		counts:  make(map[windowKey]int),
		logger:  log,
		metrics: m,
	}
}

// Record counts ev when it names the current token of an audited resource
// and reports whether it did. Stale and forged tokens are dropped.
func (r *Recorder) Record(ev AccessEvent) bool {
	l, ok := r.links.Get(ev.Resource)
	if !ok || l.Token != ev.Token || l.SkipAudit {
		r.logger.Debug("discarding access event",
			logger.String("resource", ev.Resource),
			logger.String("token", ev.Token.String()),
			logger.Bool("known", ok),
			logger.Bool("skip_audit", l.SkipAudit),
		)
		r.metrics.AccessEvent(metrics.AccessDiscarded)
		return false
	}

	key := windowKey{token: ev.Token, resource: ev.Resource}
	if _, seen := r.counts[key]; !seen {
		r.order = append(r.order, key)
	}
	r.counts[key]++
	r.metrics.AccessEvent(metrics.AccessAccepted)
	return true
}

func (r *Recorder) Len() int { return len(r.counts) }

// Counts returns the window sorted by count, highest first. Equal counts
// keep the order in which they were first seen.
func (r *Recorder) Counts() []notify.Count {
	out := make([]notify.Count, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, notify.Count{
			Resource: k.resource,
			Token:    k.token.String(),
			Count:    r.counts[k],
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out
}

// Reset clears the window.
func (r *Recorder) Reset() {
	r.counts = make(map[windowKey]int)
	r.order = nil
}
