// Package firewall marks inbound packets for claimed public IPs. Rules live
// in a dedicated chain in the mangle table so the mark is applied before the
// nat-table REDIRECT rules written by the cluster proxy rewrite the
// destination address.
package firewall

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/coreos/go-iptables/iptables"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kiwi-io/kiwi/pkg/event"
)

const table = "mangle"

// Driver is the packet-marking surface the manager drives.
type Driver interface {
	AddService(ip string, svc event.Service) error
	RemoveService(ip string, svc event.Service) error
	Cleanup() error
}

// DriverError wraps a failed firewall operation. Like interface driver
// errors these are recoverable; the tracked rule set is not rolled back.
type DriverError struct {
	Op  string
	Err error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("firewall driver %s: %v", e.Op, e.Err)
}

func (e *DriverError) Unwrap() error {
	return e.Err
}

// handle is the slice of iptables this driver uses, split out so tests can
// substitute a fake.
type handle interface {
	ClearChain(table, chain string) error
	Append(table, chain string, rulespec ...string) error
	Delete(table, chain string, rulespec ...string) error
}

type driver struct {
	ipt   handle
	chain string
	mark  uint32
	rules map[string]struct{}
}

// New returns a driver owning chain in the mangle table. The chain is
// created if absent and flushed, so the rule set starts from a clean slate.
// Errors here are fatal: without a chain the agent cannot mark anything.
func New(chain string, mark uint32) (Driver, error) {
	ipt, err := iptables.New()
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize iptables")
	}
	return newWithHandle(ipt, chain, mark)
}

func newWithHandle(ipt handle, chain string, mark uint32) (Driver, error) {
	logrus.Infof("Ensuring chain %s exists in %s table", chain, table)
	if err := ipt.ClearChain(table, chain); err != nil {
		return nil, errors.Wrapf(err, "failed to create chain %s", chain)
	}
	return &driver{
		ipt:   ipt,
		chain: chain,
		mark:  mark,
		rules: map[string]struct{}{},
	}, nil
}

// ruleFor renders the rule matching traffic to ip for svc. The service id
// rides along as a comment so installed rules can be diffed against desired
// state.
func (d *driver) ruleFor(ip string, svc event.Service) []string {
	return []string{
		"-d", ip + "/32",
		"-p", strings.ToLower(string(svc.Protocol)),
		"--dport", strconv.Itoa(int(svc.Port)),
		"-m", "comment", "--comment", svc.ID,
		"-j", "MARK", "--set-mark", strconv.FormatUint(uint64(d.mark), 10),
	}
}

func (d *driver) AddService(ip string, svc event.Service) error {
	rule := d.ruleFor(ip, svc)
	key := strings.Join(rule, " ")
	if _, ok := d.rules[key]; ok {
		logrus.Debugf("Rule for service %s on %s port %d already present", svc.ID, ip, svc.Port)
		return nil
	}

	logrus.Infof("Adding firewall rule for service %s on %s port %d", svc.ID, ip, svc.Port)
	if err := d.ipt.Append(table, d.chain, rule...); err != nil {
		return &DriverError{Op: "append", Err: err}
	}
	d.rules[key] = struct{}{}
	return nil
}

func (d *driver) RemoveService(ip string, svc event.Service) error {
	rule := d.ruleFor(ip, svc)
	key := strings.Join(rule, " ")
	if _, ok := d.rules[key]; !ok {
		logrus.Debugf("No rule tracked for service %s on %s port %d", svc.ID, ip, svc.Port)
		return nil
	}

	logrus.Infof("Removing firewall rule for service %s on %s port %d", svc.ID, ip, svc.Port)
	delete(d.rules, key)
	if err := d.ipt.Delete(table, d.chain, rule...); err != nil {
		return &DriverError{Op: "delete", Err: err}
	}
	return nil
}

// Cleanup flushes the chain and forgets all tracked rules.
func (d *driver) Cleanup() error {
	logrus.Infof("Flushing all rules from chain %s", d.chain)
	d.rules = map[string]struct{}{}
	if err := d.ipt.ClearChain(table, d.chain); err != nil {
		return &DriverError{Op: "flush", Err: err}
	}
	return nil
}
