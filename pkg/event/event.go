// Package event defines the typed events that the address and service
// watchers produce and the manager consumes. Both watchers feed a single
// channel; the manager dispatches on the concrete type.
package event

import (
	core "k8s.io/api/core/v1"
)

// Service is the subset of a cluster service definition that matters for
// address management: identity, the port traffic is marked on, and the set
// of public IPs the service elects to be reachable at.
type Service struct {
	ID        string
	Protocol  core.Protocol
	Port      uint16
	PublicIPs []string
}

type ServiceEventKind string

const (
	ServiceAdded    ServiceEventKind = "added"
	ServiceModified ServiceEventKind = "modified"
	ServiceDeleted  ServiceEventKind = "deleted"
)

type AddressEventKind string

const (
	AddressCreated AddressEventKind = "create"
	AddressSet     AddressEventKind = "set"
	AddressDeleted AddressEventKind = "delete"
	AddressExpired AddressEventKind = "expire"
)

// Event is a sealed union of ServiceEvent and AddressEvent.
type Event interface {
	event()
}

type ServiceEvent struct {
	Kind    ServiceEventKind
	Service Service
}

type AddressEvent struct {
	Kind AddressEventKind
	IP   string
}

func (ServiceEvent) event() {}
func (AddressEvent) event() {}
