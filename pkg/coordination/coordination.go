// Package coordination wraps the etcd v2 keys API with the four operations
// the manager and address watcher need: recursive long-poll watch, and the
// three CAS operations that implement claim, refresh, and release of a
// public IP lease.
package coordination

import (
	"context"
	"path"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	client "go.etcd.io/etcd/client/v2"
)

// ErrConflict indicates a CAS precondition failure: the key already exists
// (acquire), or is no longer owned by this agent (refresh, release). It is a
// semantic signal, not a fault; callers check it with errors.Is.
var ErrConflict = errors.New("compare-and-swap precondition failed")

// Event is one change observed under the publicips subtree.
type Event struct {
	Action        string
	Key           string
	Value         string
	ModifiedIndex uint64
}

// Watcher yields successive events from a single watch position. Next blocks
// until an event arrives, the transport fails, or ctx is cancelled.
type Watcher interface {
	Next(ctx context.Context) (Event, error)
}

type Client struct {
	kapi   client.KeysAPI
	prefix string
}

// NewClient connects to the coordination store at endpoint. All keys live
// under {prefix}/publicips. The timeout bounds header reception on every
// request; long-poll watches are unaffected because the store sends headers
// before holding the connection open.
func NewClient(endpoint, prefix string, timeout time.Duration) (*Client, error) {
	c, err := client.New(client.Config{
		Endpoints:               []string{endpoint},
		Transport:               client.DefaultTransport,
		HeaderTimeoutPerRequest: timeout,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create client for %s", endpoint)
	}
	return &Client{
		kapi:   client.NewKeysAPI(c),
		prefix: prefix,
	}, nil
}

func (c *Client) dirKey() string {
	return path.Join(c.prefix, "publicips")
}

func (c *Client) keyFor(ip string) string {
	return path.Join(c.dirKey(), ip)
}

type watcher struct {
	w client.Watcher
}

func (w *watcher) Next(ctx context.Context) (Event, error) {
	resp, err := w.w.Next(ctx)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Action:        resp.Action,
		Key:           resp.Node.Key,
		Value:         resp.Node.Value,
		ModifiedIndex: resp.Node.ModifiedIndex,
	}, nil
}

// Watcher returns a watcher over the publicips subtree that reports changes
// with a modified index greater than afterIndex. afterIndex 0 starts from
// the store's current index.
func (c *Client) Watcher(afterIndex uint64) Watcher {
	return &watcher{w: c.kapi.Watcher(c.dirKey(), &client.WatcherOptions{
		AfterIndex: afterIndex,
		Recursive:  true,
	})}
}

// Acquire claims ip for agentID iff no other agent holds it. The lease
// expires after ttl unless refreshed.
func (c *Client) Acquire(ctx context.Context, ip, agentID string, ttl time.Duration) error {
	key := c.keyFor(ip)
	logrus.Debugf("Acquiring %s for %s with ttl %s", key, agentID, ttl)
	_, err := c.kapi.Set(ctx, key, agentID, &client.SetOptions{
		PrevExist: client.PrevNoExist,
		TTL:       ttl,
	})
	if isErrorCode(err, client.ErrorCodeNodeExist) {
		return ErrConflict
	}
	return err
}

// Refresh extends the lease on ip iff this agent still holds it. The value
// is rewritten rather than TTL-refreshed so the key stays self-identifying.
func (c *Client) Refresh(ctx context.Context, ip, agentID string, ttl time.Duration) error {
	key := c.keyFor(ip)
	logrus.Debugf("Refreshing %s for %s with ttl %s", key, agentID, ttl)
	_, err := c.kapi.Set(ctx, key, agentID, &client.SetOptions{
		PrevValue: agentID,
		TTL:       ttl,
	})
	if isErrorCode(err, client.ErrorCodeTestFailed, client.ErrorCodeKeyNotFound) {
		return ErrConflict
	}
	return err
}

// Release drops the lease on ip iff this agent still holds it. Callers
// treat ErrConflict as success; the key is already out of our hands.
func (c *Client) Release(ctx context.Context, ip, agentID string) error {
	key := c.keyFor(ip)
	logrus.Debugf("Releasing %s for %s", key, agentID)
	_, err := c.kapi.Delete(ctx, key, &client.DeleteOptions{
		PrevValue: agentID,
	})
	if isErrorCode(err, client.ErrorCodeTestFailed, client.ErrorCodeKeyNotFound) {
		return ErrConflict
	}
	return err
}

func isErrorCode(err error, codes ...int) bool {
	var etcdErr client.Error
	if !errors.As(err, &etcdErr) {
		return false
	}
	for _, code := range codes {
		if etcdErr.Code == code {
			return true
		}
	}
	return false
}
