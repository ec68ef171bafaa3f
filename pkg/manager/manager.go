// Package manager implements the reconciliation engine: the single loop
// that merges service and address-ownership events, maintains the
// reference-counted address table, races other agents for leases, and keeps
// the interface and firewall drivers consistent with the table.
package manager

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kiwi-io/kiwi/pkg/coordination"
	"github.com/kiwi-io/kiwi/pkg/event"
	"github.com/kiwi-io/kiwi/pkg/firewall"
	"github.com/kiwi-io/kiwi/pkg/iface"
)

// Coordinator is the part of the coordination client the manager drives.
type Coordinator interface {
	Acquire(ctx context.Context, ip, agentID string, ttl time.Duration) error
	Refresh(ctx context.Context, ip, agentID string, ttl time.Duration) error
	Release(ctx context.Context, ip, agentID string) error
}

// addressEntry tracks one public IP. The refcount is len(services), so it
// cannot skew against the set of referencing services.
type addressEntry struct {
	services map[string]struct{}
	claimed  bool
}

type Manager struct {
	agentID         string
	refreshInterval time.Duration
	coord           Coordinator
	iface           iface.Driver
	fw              firewall.Driver
	cidrs           []*net.IPNet

	addresses map[string]*addressEntry
	services  map[string]event.Service
}

// New returns a manager identified as agentID. Either driver may be nil to
// run without touching the host. cidrs, when non-empty, allowlists the
// public IPs the manager will act on.
func New(agentID string, coord Coordinator, ifaceDriver iface.Driver, fwDriver firewall.Driver, cidrs []*net.IPNet, refreshInterval time.Duration) *Manager {
	return &Manager{
		agentID:         agentID,
		refreshInterval: refreshInterval,
		coord:           coord,
		iface:           ifaceDriver,
		fw:              fwDriver,
		cidrs:           cidrs,
		addresses:       map[string]*addressEntry{},
		services:        map[string]event.Service{},
	}
}

// ttl is the lease lifetime written to the coordination store; twice the
// refresh interval so one missed refresh does not lose the lease.
func (m *Manager) ttl() time.Duration {
	return 2 * m.refreshInterval
}

// opCtx bounds a single coordination-store call so a stuck call cannot
// starve the refresh pass.
func (m *Manager) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.refreshInterval)
}

// Run consumes events until ctx is cancelled or the channel closes, then
// releases all claims and cleans up both drivers. Handlers run to
// completion before the next event is considered; the address table is
// never touched from any other goroutine.
func (m *Manager) Run(ctx context.Context, events <-chan event.Event) error {
	ticker := time.NewTicker(m.refreshInterval)
	defer ticker.Stop()

	logrus.Infof("Manager running with agent id %s", m.agentID)
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case ev, ok := <-events:
			if !ok {
				m.shutdown()
				return nil
			}
			m.handle(ctx, ev)
		case <-ticker.C:
			m.refreshPass(ctx)
		}
	}
}

func (m *Manager) handle(ctx context.Context, ev event.Event) {
	switch ev := ev.(type) {
	case event.ServiceEvent:
		eventsTotal.WithLabelValues("service_" + string(ev.Kind)).Inc()
		switch ev.Kind {
		case event.ServiceAdded:
			m.onServiceAdded(ctx, ev.Service)
		case event.ServiceModified:
			m.onServiceModified(ctx, ev.Service)
		case event.ServiceDeleted:
			m.onServiceDeleted(ctx, ev.Service)
		}
	case event.AddressEvent:
		eventsTotal.WithLabelValues("address_" + string(ev.Kind)).Inc()
		switch ev.Kind {
		case event.AddressDeleted, event.AddressExpired:
			m.onAddressReleased(ctx, ev.IP)
		case event.AddressCreated, event.AddressSet:
			// Another agent asserted or renewed its claim; nothing to do.
		}
	}
}

func (m *Manager) onServiceAdded(ctx context.Context, svc event.Service) {
	m.services[svc.ID] = svc

	for _, ip := range svc.PublicIPs {
		if !m.addressAllowed(ip) {
			logrus.Warnf("Ignoring address %s for service %s: outside configured CIDR ranges", ip, svc.ID)
			continue
		}

		entry, ok := m.addresses[ip]
		if !ok {
			entry = &addressEntry{services: map[string]struct{}{}}
			m.addresses[ip] = entry
		}

		if _, ok := entry.services[svc.ID]; !ok {
			logrus.Infof("Adding service %s on %s", svc.ID, ip)
			entry.services[svc.ID] = struct{}{}
			if m.fw != nil {
				if err := m.fw.AddService(ip, svc); err != nil {
					logrus.Errorf("Failed to configure host firewall: %v", err)
				}
			}
		}

		if !entry.claimed {
			m.tryClaim(ctx, ip)
		}
	}
}

// onServiceModified is remove-then-add against the last definition we saw.
// If the previous definition is unknown (watcher restarted), it degrades to
// a plain add.
func (m *Manager) onServiceModified(ctx context.Context, svc event.Service) {
	if prev, ok := m.services[svc.ID]; ok {
		m.onServiceDeleted(ctx, prev)
	}
	m.onServiceAdded(ctx, svc)
}

func (m *Manager) onServiceDeleted(ctx context.Context, svc event.Service) {
	prev, ok := m.services[svc.ID]
	if !ok {
		logrus.Debugf("Ignoring removal of unknown service %s", svc.ID)
		return
	}
	delete(m.services, svc.ID)

	for _, ip := range prev.PublicIPs {
		entry, ok := m.addresses[ip]
		if !ok {
			continue
		}
		if _, ok := entry.services[svc.ID]; !ok {
			continue
		}

		logrus.Infof("Removing service %s on %s", svc.ID, ip)
		delete(entry.services, svc.ID)
		if m.fw != nil {
			if err := m.fw.RemoveService(ip, prev); err != nil {
				logrus.Errorf("Failed to configure host firewall: %v", err)
			}
		}

		if len(entry.services) == 0 {
			m.removeAddress(ctx, ip)
		}
	}
}

// onAddressReleased handles delete and expire events from the store: if any
// service still wants the address, race to take it over. This is the fast
// path for inheriting addresses from a dead peer.
func (m *Manager) onAddressReleased(ctx context.Context, ip string) {
	entry, ok := m.addresses[ip]
	if !ok || len(entry.services) == 0 {
		return
	}
	m.tryClaim(ctx, ip)
}

func (m *Manager) tryClaim(ctx context.Context, ip string) {
	entry := m.addresses[ip]

	opCtx, cancel := m.opCtx(ctx)
	err := m.coord.Acquire(opCtx, ip, m.agentID, m.ttl())
	cancel()

	switch {
	case err == nil:
		logrus.Infof("Claimed %s", ip)
		claimsTotal.WithLabelValues("success").Inc()
		entry.claimed = true
		if m.iface != nil {
			if err := m.iface.AddAddress(ip); err != nil {
				logrus.Errorf("Failed to configure address on system: %v", err)
			}
		}
	case errors.Is(err, coordination.ErrConflict):
		// Expected when another agent got there first; we stay unclaimed
		// and wait for the address watcher to report a delete or expire.
		logrus.Debugf("Failed to claim %s: already claimed", ip)
		claimsTotal.WithLabelValues("conflict").Inc()
	default:
		logrus.Errorf("Failed to claim %s: %v", ip, err)
		claimsTotal.WithLabelValues("error").Inc()
	}
}

// refreshPass renews the lease on every claimed address. A failed renewal
// releases the address locally but keeps the entry, so the next event or
// tick can attempt a fresh claim.
func (m *Manager) refreshPass(ctx context.Context) {
	claimed := 0
	for ip, entry := range m.addresses {
		if !entry.claimed {
			continue
		}
		claimed++

		opCtx, cancel := m.opCtx(ctx)
		err := m.coord.Refresh(opCtx, ip, m.agentID, m.ttl())
		cancel()

		if err != nil {
			logrus.Errorf("Failed to refresh address %s: %v", ip, err)
			refreshFailuresTotal.Inc()
			m.releaseAddress(ctx, ip)
			continue
		}

		if m.iface != nil {
			if err := m.iface.RefreshAddress(ip); err != nil {
				logrus.Errorf("Failed to refresh address on system: %v", err)
			}
		}
	}
	logrus.Debugf("Finished refresh pass (%d addresses, %d claimed)", len(m.addresses), claimed)
}

// releaseAddress drops our claim on ip: clears the claimed flag, deletes
// the store key best-effort, and removes the interface address. Refcount
// and service tracking are left intact.
func (m *Manager) releaseAddress(ctx context.Context, ip string) {
	entry, ok := m.addresses[ip]
	if !ok || !entry.claimed {
		return
	}
	entry.claimed = false
	releasesTotal.Inc()

	opCtx, cancel := m.opCtx(ctx)
	err := m.coord.Release(opCtx, ip, m.agentID)
	cancel()

	switch {
	case err == nil:
		logrus.Infof("Released %s", ip)
	case errors.Is(err, coordination.ErrConflict):
		logrus.Debugf("Not releasing %s: no longer claimed by us", ip)
	default:
		logrus.Errorf("Failed to release %s: %v", ip, err)
	}

	if m.iface != nil {
		if err := m.iface.RemoveAddress(ip); err != nil {
			logrus.Errorf("Failed to remove address from system: %v", err)
		}
	}
}

// removeAddress destroys the table entry for ip after releasing any claim.
func (m *Manager) removeAddress(ctx context.Context, ip string) {
	logrus.Infof("Removing address %s", ip)
	m.releaseAddress(ctx, ip)
	delete(m.addresses, ip)
}

// ReleaseAll drops every claim this agent holds.
func (m *Manager) ReleaseAll(ctx context.Context) {
	for ip := range m.addresses {
		m.releaseAddress(ctx, ip)
	}
}

// shutdown is the terminal cleanup: release all claims and return both
// drivers to a clean slate. Store calls run on a fresh context since the
// run context is already cancelled.
func (m *Manager) shutdown() {
	logrus.Infof("Shutting down, releasing %d addresses", len(m.addresses))
	ctx, cancel := context.WithTimeout(context.Background(), m.refreshInterval)
	defer cancel()

	m.ReleaseAll(ctx)
	if m.fw != nil {
		if err := m.fw.Cleanup(); err != nil {
			logrus.Errorf("Failed to clean up firewall: %v", err)
		}
	}
	if m.iface != nil {
		if err := m.iface.Cleanup(); err != nil {
			logrus.Errorf("Failed to clean up interface: %v", err)
		}
	}
}

func (m *Manager) addressAllowed(ip string) bool {
	if len(m.cidrs) == 0 {
		return true
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, cidr := range m.cidrs {
		if cidr.Contains(parsed) {
			return true
		}
	}
	return false
}
