// Package metadata wraps the ZooKeeper-backed coordination tree the AM
// uses for control messages and instance-change requests: ephemeral
// session-scoped nodes, watches, and a reconnect path that re-arms every
// outstanding watch after a session expiry.
package metadata

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	"go.uber.org/zap"

	"weave/internal/common"
)

// WatchHandler is invoked whenever a watched node's children or data
// change, or the watch is re-armed after a reconnect.
type WatchHandler func(path string)

// Client namespaces every operation under root, so multiple applications
// can share one ZooKeeper ensemble without colliding.
type Client struct {
	conn *zk.Conn
	root string

	mu       sync.Mutex
	watches  map[string]WatchHandler // path as passed by the caller -> handler, re-armed on reconnect
	children map[string]WatchHandler

	logger *zap.Logger
}

// Connect dials connectString (comma-separated host:port list) and waits
// for the session to reach SyncConnected before returning.
func Connect(connectString string, sessionTimeout time.Duration, root string) (*Client, error) {
	servers := strings.Split(connectString, ",")
	conn, events, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("connecting to metadata store: %w", err)
	}

	c := &Client{
		conn:     conn,
		root:     root,
		watches:  make(map[string]WatchHandler),
		children: make(map[string]WatchHandler),
		logger:   common.ComponentLogger("metadata"),
	}

	connected := make(chan struct{})
	go c.handleSessionEvents(events, connected)

	select {
	case <-connected:
	case <-time.After(sessionTimeout):
		conn.Close()
		return nil, fmt.Errorf("metadata store connection timed out after %s", sessionTimeout)
	}

	if err := c.ensurePath(root); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) handleSessionEvents(events <-chan zk.Event, connected chan struct{}) {
	var fired bool
	for ev := range events {
		switch ev.State {
		case zk.StateConnected, zk.StateConnectedReadOnly:
			if !fired {
				close(connected)
				fired = true
			}
		case zk.StateExpired:
			c.logger.Warn("metadata store session expired, re-arming watches")
			c.rearmAll()
		case zk.StateDisconnected:
			c.logger.Warn("metadata store session disconnected")
		}
	}
}

func (c *Client) rearmAll() {
	c.mu.Lock()
	watches := make(map[string]WatchHandler, len(c.watches))
	for p, h := range c.watches {
		watches[p] = h
	}
	children := make(map[string]WatchHandler, len(c.children))
	for p, h := range c.children {
		children[p] = h
	}
	c.mu.Unlock()

	for p, h := range watches {
		if err := c.WatchData(p, h); err != nil {
			c.logger.Error("failed to re-arm data watch", zap.String("path", p), zap.Error(err))
			continue
		}
		h(p)
	}
	for p, h := range children {
		if err := c.WatchChildren(p, h); err != nil {
			c.logger.Error("failed to re-arm children watch", zap.String("path", p), zap.Error(err))
			continue
		}
		h(p)
	}
}

func (c *Client) absPath(p string) string {
	if strings.HasPrefix(p, "/") && strings.HasPrefix(p, c.root) {
		return p
	}
	return path.Join(c.root, p)
}

// ensurePath creates every missing ancestor of p as a persistent node.
func (c *Client) ensurePath(p string) error {
	if p == "" || p == "/" {
		return nil
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	cur := ""
	for _, part := range parts {
		cur += "/" + part
		exists, _, err := c.conn.Exists(cur)
		if err != nil {
			return fmt.Errorf("checking %s: %w", cur, err)
		}
		if !exists {
			_, err := c.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && err != zk.ErrNodeExists {
				return fmt.Errorf("creating %s: %w", cur, err)
			}
		}
	}
	return nil
}

// EnsureNode creates p and every missing ancestor as persistent nodes,
// leaving existing data untouched. Used for structural nodes
// ("runnables", "kafka") that exist only to hold children.
func (c *Client) EnsureNode(p string) error {
	return c.ensurePath(c.absPath(p))
}

// CreateEphemeral creates an ephemeral node at p, tied to this client's
// session. The AM's own liveness marker uses this so it vanishes
// automatically if the process dies.
func (c *Client) CreateEphemeral(ctx context.Context, p string, data []byte) (string, error) {
	full := c.absPath(p)
	if err := c.ensurePath(path.Dir(full)); err != nil {
		return "", err
	}
	created, err := c.conn.Create(full, data, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil {
		return "", fmt.Errorf("creating ephemeral node %s: %w", full, err)
	}
	return created, nil
}

// CreateEphemeralSequential creates an ephemeral, sequence-numbered node,
// used for ordered control-message delivery.
func (c *Client) CreateEphemeralSequential(ctx context.Context, p string, data []byte) (string, error) {
	full := c.absPath(p)
	if err := c.ensurePath(path.Dir(full)); err != nil {
		return "", err
	}
	created, err := c.conn.Create(full, data, zk.FlagEphemeral|zk.FlagSequence, zk.WorldACL(zk.PermAll))
	if err != nil {
		return "", fmt.Errorf("creating sequential node %s: %w", full, err)
	}
	return created, nil
}

// SetData overwrites the data at p, creating persistent ancestors if
// needed.
func (c *Client) SetData(p string, data []byte) error {
	full := c.absPath(p)
	if err := c.ensurePath(path.Dir(full)); err != nil {
		return err
	}
	exists, stat, err := c.conn.Exists(full)
	if err != nil {
		return err
	}
	if !exists {
		_, err := c.conn.Create(full, data, 0, zk.WorldACL(zk.PermAll))
		return err
	}
	_, err = c.conn.Set(full, data, stat.Version)
	return err
}

func (c *Client) GetData(p string) ([]byte, error) {
	data, _, err := c.conn.Get(c.absPath(p))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", p, err)
	}
	return data, nil
}

func (c *Client) Delete(p string) error {
	full := c.absPath(p)
	_, stat, err := c.conn.Exists(full)
	if err != nil {
		return err
	}
	if stat == nil {
		return nil
	}
	if err := c.conn.Delete(full, stat.Version); err != nil && err != zk.ErrNoNode {
		return fmt.Errorf("deleting %s: %w", full, err)
	}
	return nil
}

func (c *Client) Children(p string) ([]string, error) {
	children, _, err := c.conn.Children(c.absPath(p))
	if err != nil {
		return nil, fmt.Errorf("listing children of %s: %w", p, err)
	}
	return children, nil
}

func (c *Client) Exists(p string) (bool, error) {
	exists, _, err := c.conn.Exists(c.absPath(p))
	return exists, err
}

// WatchChildren arms a children watch on p and records it for
// re-arming after a session expiry. handler fires once per triggered
// event, including the initial re-arm after reconnect.
func (c *Client) WatchChildren(p string, handler WatchHandler) error {
	full := c.absPath(p)
	if err := c.ensurePath(full); err != nil {
		return err
	}
	_, _, events, err := c.conn.ChildrenW(full)
	if err != nil {
		return fmt.Errorf("watching children of %s: %w", full, err)
	}
	c.mu.Lock()
	c.children[p] = handler
	c.mu.Unlock()

	go func() {
		ev, ok := <-events
		if !ok {
			return
		}
		if ev.Type == zk.EventNodeChildrenChanged {
			handler(p)
		}
	}()
	return nil
}

// WatchData arms a data watch on p, re-armed the same way as
// WatchChildren.
func (c *Client) WatchData(p string, handler WatchHandler) error {
	full := c.absPath(p)
	_, _, events, err := c.conn.GetW(full)
	if err != nil {
		return fmt.Errorf("watching data of %s: %w", full, err)
	}
	c.mu.Lock()
	c.watches[p] = handler
	c.mu.Unlock()

	go func() {
		ev, ok := <-events
		if !ok {
			return
		}
		if ev.Type == zk.EventNodeDataChanged {
			handler(p)
		}
	}()
	return nil
}

func (c *Client) Close() {
	c.conn.Close()
}
