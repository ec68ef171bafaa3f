// Package addresswatcher turns the coordination store's watch stream into
// ordered address ownership events. It is a pure producer: transport errors
// are retried internally after the reconnect interval, and the watch
// position is carried across reconnects so no event is lost.
package addresswatcher

import (
	"context"
	"net"
	"path"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kiwi-io/kiwi/pkg/coordination"
	"github.com/kiwi-io/kiwi/pkg/event"
)

// Source is the part of the coordination client the watcher consumes.
type Source interface {
	Watcher(afterIndex uint64) coordination.Watcher
}

type Watcher struct {
	source            Source
	reconnectInterval time.Duration
}

func New(source Source, reconnectInterval time.Duration) *Watcher {
	return &Watcher{
		source:            source,
		reconnectInterval: reconnectInterval,
	}
}

var actions = map[string]event.AddressEventKind{
	"create":           event.AddressCreated,
	"set":              event.AddressSet,
	"update":           event.AddressSet,
	"delete":           event.AddressDeleted,
	"compareAndDelete": event.AddressDeleted,
	"expire":           event.AddressExpired,
}

// Run watches until ctx is cancelled, sending one event per observed change
// onto events. The next watch always resumes after the last observed index,
// including changes that were skipped rather than delivered.
func (w *Watcher) Run(ctx context.Context, events chan<- event.Event) {
	var lastIndex uint64
	watcher := w.source.Watcher(lastIndex)

	for {
		resp, err := watcher.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logrus.Errorf("Address watch failed, reconnecting in %s: %v", w.reconnectInterval, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.reconnectInterval):
			}
			watcher = w.source.Watcher(lastIndex)
			continue
		}
		lastIndex = resp.ModifiedIndex

		ip := path.Base(resp.Key)
		if parsed := net.ParseIP(ip); parsed == nil || parsed.To4() == nil {
			logrus.Warnf("Ignoring key %s: %q is not an IPv4 address", resp.Key, ip)
			continue
		}

		kind, ok := actions[resp.Action]
		if !ok {
			logrus.Debugf("Ignoring unknown action %s for %s", resp.Action, ip)
			continue
		}

		logrus.Debugf("Observed %s for address %s", resp.Action, ip)
		select {
		case <-ctx.Done():
			return
		case events <- event.AddressEvent{Kind: kind, IP: ip}:
		}
	}
}
