package ping

import "github.com/breeze-rmm/updater/internal/bundle"

// Reporter receives transition records. Implementations must not block.
type Reporter interface {
	Report(bundle.Record)
}

// Fanout delivers each record to every reporter in order.
type Fanout []Reporter

func (f Fanout) Report(rec bundle.Record) {
	for _, r := range f {
		if r != nil {
			r.Report(rec)
		}
	}
}
