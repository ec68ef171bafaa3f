// Package servicewatcher streams cluster service definitions as typed
// events. Like the address watcher it is a pure producer: the watch is
// re-established after transport failures, resuming from the last seen
// resource version so no event is dropped.
package servicewatcher

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	core "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"github.com/kiwi-io/kiwi/pkg/event"
)

type Watcher struct {
	client            kubernetes.Interface
	reconnectInterval time.Duration
}

func New(client kubernetes.Interface, reconnectInterval time.Duration) *Watcher {
	return &Watcher{
		client:            client,
		reconnectInterval: reconnectInterval,
	}
}

// Run watches services in all namespaces until ctx is cancelled, sending one
// event per change onto events.
func (w *Watcher) Run(ctx context.Context, events chan<- event.Event) {
	var resourceVersion string

	for {
		watcher, err := w.client.CoreV1().Services(metav1.NamespaceAll).Watch(ctx, metav1.ListOptions{
			ResourceVersion:     resourceVersion,
			AllowWatchBookmarks: true,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if apierrors.IsResourceExpired(err) || apierrors.IsGone(err) {
				logrus.Infof("Service watch expired at %s, restarting from current state", resourceVersion)
				resourceVersion = ""
				continue
			}
			logrus.Errorf("Service watch failed, reconnecting in %s: %v", w.reconnectInterval, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.reconnectInterval):
			}
			continue
		}

		resourceVersion = w.consume(ctx, watcher, resourceVersion, events)
		if ctx.Err() != nil {
			return
		}
		logrus.Debugf("Service watch closed, reconnecting from %q in %s", resourceVersion, w.reconnectInterval)
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.reconnectInterval):
		}
	}
}

// consume drains one watch stream, returning the resource version to resume
// from.
func (w *Watcher) consume(ctx context.Context, watcher watch.Interface, resourceVersion string, events chan<- event.Event) string {
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return resourceVersion
		case ev, ok := <-watcher.ResultChan():
			if !ok {
				return resourceVersion
			}

			var kind event.ServiceEventKind
			switch ev.Type {
			case watch.Added:
				kind = event.ServiceAdded
			case watch.Modified:
				kind = event.ServiceModified
			case watch.Deleted:
				kind = event.ServiceDeleted
			case watch.Bookmark:
				if svc, ok := ev.Object.(*core.Service); ok {
					resourceVersion = svc.ResourceVersion
				}
				continue
			case watch.Error:
				status := apierrors.FromObject(ev.Object)
				if apierrors.IsResourceExpired(status) || apierrors.IsGone(status) {
					logrus.Infof("Service watch expired: %v", status)
					return ""
				}
				logrus.Errorf("Service watch error: %v", status)
				return resourceVersion
			default:
				logrus.Debugf("Ignoring unknown watch event %s", ev.Type)
				continue
			}

			svc, ok := ev.Object.(*core.Service)
			if !ok {
				logrus.Errorf("Ignoring unexpected object %T in service watch", ev.Object)
				continue
			}
			resourceVersion = svc.ResourceVersion

			converted := convert(svc)

			logrus.Debugf("Observed %s for service %s", ev.Type, converted.ID)
			select {
			case <-ctx.Done():
				return resourceVersion
			case events <- event.ServiceEvent{Kind: kind, Service: converted}:
			}
		}
	}
}

// convert reduces a cluster service to the fields address management needs.
// Extra ports beyond the first are ignored. Every watch event converts,
// even for services with no ports, so additions and removals always reach
// the manager.
func convert(svc *core.Service) event.Service {
	if len(svc.Spec.Ports) > 1 {
		logrus.Debugf("Service %s/%s has %d ports, using the first", svc.Namespace, svc.Name, len(svc.Spec.Ports))
	}

	var port core.ServicePort
	if len(svc.Spec.Ports) > 0 {
		port = svc.Spec.Ports[0]
	}
	protocol := port.Protocol
	if protocol == "" {
		protocol = core.ProtocolTCP
	}

	return event.Service{
		ID:        svc.Namespace + "/" + svc.Name,
		Protocol:  protocol,
		Port:      uint16(port.Port),
		PublicIPs: svc.Spec.ExternalIPs,
	}
}
