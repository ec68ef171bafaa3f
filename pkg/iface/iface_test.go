package iface

import (
	"net"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

type fakeNetlink struct {
	addrs    []netlink.Addr
	delErr   error
	replaced []netlink.Addr
	deleted  []netlink.Addr
}

func (f *fakeNetlink) AddrReplace(link netlink.Link, addr *netlink.Addr) error {
	f.replaced = append(f.replaced, *addr)
	return nil
}

func (f *fakeNetlink) AddrDel(link netlink.Link, addr *netlink.Addr) error {
	f.deleted = append(f.deleted, *addr)
	return f.delErr
}

func (f *fakeNetlink) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	return f.addrs, nil
}

func testDriver(nl *fakeNetlink) *driver {
	return &driver{
		nl:          nl,
		link:        &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: "eth0"}},
		label:       "eth0:kube",
		lifetimeSec: 60,
	}
}

func TestAddAddress(t *testing.T) {
	nl := &fakeNetlink{}
	d := testDriver(nl)

	require.NoError(t, d.AddAddress("10.0.0.1"))

	require.Len(t, nl.replaced, 1)
	addr := nl.replaced[0]
	assert.Equal(t, "10.0.0.1/32", addr.IPNet.String())
	assert.Equal(t, "eth0:kube", addr.Label)
	assert.Equal(t, 60, addr.ValidLft)
	assert.Equal(t, 60, addr.PreferedLft)
}

func TestAddAddressRejectsNonIPv4(t *testing.T) {
	d := testDriver(&fakeNetlink{})

	for _, ip := range []string{"not-an-ip", "2001:db8::1", ""} {
		err := d.AddAddress(ip)
		require.Error(t, err, "ip %q", ip)
		var driverErr *DriverError
		assert.True(t, errors.As(err, &driverErr))
	}
}

func TestRefreshAddressRearmsLifetime(t *testing.T) {
	nl := &fakeNetlink{}
	d := testDriver(nl)

	require.NoError(t, d.RefreshAddress("10.0.0.1"))

	require.Len(t, nl.replaced, 1)
	assert.Equal(t, 60, nl.replaced[0].ValidLft)
}

func TestRemoveMissingAddressIsNotAnError(t *testing.T) {
	nl := &fakeNetlink{delErr: unix.EADDRNOTAVAIL}
	d := testDriver(nl)

	assert.NoError(t, d.RemoveAddress("10.0.0.1"))
}

func TestRemoveAddressSurfacesOtherErrors(t *testing.T) {
	nl := &fakeNetlink{delErr: unix.EPERM}
	d := testDriver(nl)

	err := d.RemoveAddress("10.0.0.1")
	require.Error(t, err)
	var driverErr *DriverError
	require.True(t, errors.As(err, &driverErr))
	assert.Equal(t, "remove", driverErr.Op)
}

func mustAddr(t *testing.T, cidr, label string) netlink.Addr {
	t.Helper()
	ip, ipnet, err := net.ParseCIDR(cidr)
	require.NoError(t, err)
	ipnet.IP = ip
	return netlink.Addr{IPNet: ipnet, Label: label}
}

func TestRemoveLabelledOnlyTouchesOwnAddresses(t *testing.T) {
	nl := &fakeNetlink{
		addrs: []netlink.Addr{
			mustAddr(t, "10.0.0.1/32", "eth0:kube"),
			mustAddr(t, "192.168.1.5/24", ""),
			mustAddr(t, "10.0.0.2/32", "eth0:kube"),
			mustAddr(t, "10.0.0.3/32", "eth0:other"),
		},
	}
	d := testDriver(nl)

	require.NoError(t, d.RemoveLabelled())

	require.Len(t, nl.deleted, 2)
	assert.Equal(t, "10.0.0.1/32", nl.deleted[0].IPNet.String())
	assert.Equal(t, "10.0.0.2/32", nl.deleted[1].IPNet.String())
}

func TestCleanupIsRemoveLabelled(t *testing.T) {
	nl := &fakeNetlink{
		addrs: []netlink.Addr{mustAddr(t, "10.0.0.1/32", "eth0:kube")},
	}
	d := testDriver(nl)

	require.NoError(t, d.Cleanup())
	assert.Len(t, nl.deleted, 1)
}
