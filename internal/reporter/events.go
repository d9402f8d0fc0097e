package reporter

import (
	"encoding/json"
	"strings"

	"github.com/sweeney/asterisk-monitor/internal/ami"
)

// EventForwarder is an ami.Listener that queues selected events as JSON
// objects on <prefix>/<system>/event/<Event>.
type EventForwarder struct {
	q      *Queue
	prefix string
	system string
	names  map[string]bool
}

// NewEventForwarder forwards events whose name is in names, compared
// case-insensitively. "*" forwards everything.
func NewEventForwarder(q *Queue, prefix, system string, names []string) *EventForwarder {
	f := &EventForwarder{
		q:      q,
		prefix: prefix,
		system: system,
		names:  make(map[string]bool, len(names)),
	}
	for _, n := range names {
		f.names[strings.ToLower(n)] = true
	}
	return f
}

func (f *EventForwarder) OnEvent(evt *ami.Message) {
	if !f.names["*"] && !f.names[strings.ToLower(evt.Subtype)] {
		return
	}
	obj := make(map[string]string, len(evt.Tags())+2)
	obj["Event"] = evt.Subtype
	obj["System"] = f.system
	for _, t := range evt.Tags() {
		obj[t.Name] = t.Value
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return
	}
	f.q.Enqueue(Topic(f.prefix, f.system, "event", evt.Subtype), data)
}
