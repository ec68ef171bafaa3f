// Package iface programs public IPs onto a host network interface. Every
// address is installed as a /32 carrying a label and a finite lifetime:
// the label lets a restarted agent find and remove its own leftovers
// without on-disk state, and the lifetime ages addresses out of the kernel
// if a wedged agent stops refreshing them.
package iface

import (
	"fmt"
	"net"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// Driver is the interface-programming surface the manager drives.
type Driver interface {
	AddAddress(ip string) error
	RefreshAddress(ip string) error
	RemoveAddress(ip string) error
	RemoveLabelled() error
	Cleanup() error
}

// DriverError wraps a failed interface operation. The manager logs these
// and moves on; the next refresh pass re-converges.
type DriverError struct {
	Op  string
	IP  string
	Err error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("interface driver %s %s: %v", e.Op, e.IP, e.Err)
}

func (e *DriverError) Unwrap() error {
	return e.Err
}

// handle is the slice of netlink this driver uses, split out so tests can
// substitute a fake.
type handle interface {
	AddrReplace(link netlink.Link, addr *netlink.Addr) error
	AddrDel(link netlink.Link, addr *netlink.Addr) error
	AddrList(link netlink.Link, family int) ([]netlink.Addr, error)
}

type netlinkHandle struct{}

func (netlinkHandle) AddrReplace(link netlink.Link, addr *netlink.Addr) error {
	return netlink.AddrReplace(link, addr)
}

func (netlinkHandle) AddrDel(link netlink.Link, addr *netlink.Addr) error {
	return netlink.AddrDel(link, addr)
}

func (netlinkHandle) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	return netlink.AddrList(link, family)
}

type driver struct {
	nl          handle
	link        netlink.Link
	label       string
	lifetimeSec int
}

// New returns a driver managing ifaceName. Addresses it installs are
// labelled "<ifaceName>:<label>" and live for lifetimeSec seconds unless
// refreshed. Any labelled addresses left over from a previous run are
// removed before returning.
func New(ifaceName, label string, lifetimeSec int) (Driver, error) {
	link, err := netlink.LinkByName(ifaceName)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to find interface %s", ifaceName)
	}
	d := &driver{
		nl:          netlinkHandle{},
		link:        link,
		label:       ifaceName + ":" + label,
		lifetimeSec: lifetimeSec,
	}
	if err := d.RemoveLabelled(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *driver) addr(ip string) (*netlink.Addr, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.To4() == nil {
		return nil, errors.Errorf("not an IPv4 address: %q", ip)
	}
	return &netlink.Addr{
		IPNet: &net.IPNet{
			IP:   parsed.To4(),
			Mask: net.CIDRMask(32, 32),
		},
		Label:       d.label,
		ValidLft:    d.lifetimeSec,
		PreferedLft: d.lifetimeSec,
	}, nil
}

func (d *driver) AddAddress(ip string) error {
	logrus.Infof("Adding address %s to %s", ip, d.link.Attrs().Name)
	return d.replace("add", ip)
}

// RefreshAddress re-arms the address lifetime; called on every successful
// lease refresh.
func (d *driver) RefreshAddress(ip string) error {
	logrus.Debugf("Refreshing address %s on %s", ip, d.link.Attrs().Name)
	return d.replace("refresh", ip)
}

func (d *driver) replace(op, ip string) error {
	addr, err := d.addr(ip)
	if err != nil {
		return &DriverError{Op: op, IP: ip, Err: err}
	}
	if err := d.nl.AddrReplace(d.link, addr); err != nil {
		return &DriverError{Op: op, IP: ip, Err: err}
	}
	return nil
}

func (d *driver) RemoveAddress(ip string) error {
	logrus.Infof("Removing address %s from %s", ip, d.link.Attrs().Name)
	addr, err := d.addr(ip)
	if err != nil {
		return &DriverError{Op: "remove", IP: ip, Err: err}
	}
	err = d.nl.AddrDel(d.link, addr)
	if err != nil && !errors.Is(err, unix.EADDRNOTAVAIL) && !errors.Is(err, unix.ENOENT) {
		return &DriverError{Op: "remove", IP: ip, Err: err}
	}
	return nil
}

// RemoveLabelled sweeps every address on the link bearing our label.
func (d *driver) RemoveLabelled() error {
	addrs, err := d.nl.AddrList(d.link, netlink.FAMILY_V4)
	if err != nil {
		return &DriverError{Op: "list", Err: err}
	}
	for _, addr := range addrs {
		if addr.Label != d.label {
			continue
		}
		if err := d.RemoveAddress(addr.IP.String()); err != nil {
			return err
		}
	}
	return nil
}

func (d *driver) Cleanup() error {
	return d.RemoveLabelled()
}
