// Package cluster discovers delegator rank-to-address mappings via
// etcd, the way a client resolves which delegator owns a given extent
// range and how delegators reach each other for extent forwarding and
// fetch RPCs (spec.md §2's "bootstrap/membership" collaborator).
//
// Grounded on internal/cluster_service/etcd/etcd_cluster_service.go:
// same lease-plus-keepalive registration, same prefix-watch cache
// rebuild, generalized from named cluster nodes to rank-addressed
// delegators.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/unifycr-go/unifycr/internal/logging"
)

const (
	dialTimeout = 5 * time.Second
	leaseTTL    = 10 // seconds
	prefix      = "/unifycr/delegators/"
)

// Node is one delegator's cluster membership record.
type Node struct {
	Rank    int    `json:"rank"`
	Address string `json:"address"`
	NodeID  string `json:"node_id"`
}

// Membership tracks delegator rank -> address mappings via etcd, with
// a lease-backed registration for the local node and a prefix watch
// keeping the cache current as peers join and leave.
type Membership struct {
	client    *clientv3.Client
	endpoints []string
	log       logging.Logger

	mu    sync.RWMutex
	nodes map[int]Node

	leaseID clientv3.LeaseID
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New returns a Membership dialing the given etcd endpoints.
func New(endpoints []string, log logging.Logger) *Membership {
	return &Membership{
		endpoints: endpoints,
		log:       log,
		nodes:     make(map[int]Node),
		stopCh:    make(chan struct{}),
	}
}

// Start connects to etcd, loads the current membership, and begins
// watching for changes.
func (m *Membership) Start(ctx context.Context) error {
	cli, err := clientv3.New(clientv3.Config{Endpoints: m.endpoints, DialTimeout: dialTimeout})
	if err != nil {
		return fmt.Errorf("cluster: connect to etcd: %w", err)
	}
	m.client = cli

	if err := m.sync(ctx); err != nil {
		return err
	}

	m.wg.Add(1)
	go m.watchLoop()
	return nil
}

// Stop revokes the local lease (if registered) and closes the etcd
// client.
func (m *Membership) Stop(ctx context.Context) error {
	close(m.stopCh)
	if m.leaseID != 0 {
		if _, err := m.client.Revoke(ctx, m.leaseID); err != nil {
			m.log.Warn(logging.LogEvent{Message: "cluster: lease revoke failed", Metadata: map[string]any{"error": err.Error()}})
		}
	}
	m.wg.Wait()
	return m.client.Close()
}

// Register publishes this delegator's rank and address under a
// lease, refreshed by a keepalive goroutine until Stop is called.
func (m *Membership) Register(ctx context.Context, self Node) error {
	resp, err := m.client.Grant(ctx, leaseTTL)
	if err != nil {
		return fmt.Errorf("cluster: grant lease: %w", err)
	}
	m.leaseID = resp.ID

	val, err := json.Marshal(self)
	if err != nil {
		return fmt.Errorf("cluster: marshal node: %w", err)
	}

	key := fmt.Sprintf("%s%d", prefix, self.Rank)
	if _, err := m.client.Put(ctx, key, string(val), clientv3.WithLease(m.leaseID)); err != nil {
		return fmt.Errorf("cluster: register rank %d: %w", self.Rank, err)
	}

	m.mu.Lock()
	m.nodes[self.Rank] = self
	m.mu.Unlock()

	m.log.Info(logging.LogEvent{Message: "cluster: delegator registered", Metadata: map[string]any{"rank": self.Rank, "address": self.Address}})

	m.wg.Add(1)
	go m.keepAlive()
	return nil
}

func (m *Membership) keepAlive() {
	defer m.wg.Done()

	ch, err := m.client.KeepAlive(context.Background(), m.leaseID)
	if err != nil {
		m.log.Error(logging.LogEvent{Message: "cluster: keepalive start failed", Metadata: map[string]any{"error": err.Error()}})
		return
	}
	for {
		select {
		case <-m.stopCh:
			return
		case _, ok := <-ch:
			if !ok {
				m.log.Error(logging.LogEvent{Message: "cluster: keepalive channel closed"})
				return
			}
		}
	}
}

func (m *Membership) sync(ctx context.Context) error {
	resp, err := m.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("cluster: initial sync: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, kv := range resp.Kvs {
		var n Node
		if err := json.Unmarshal(kv.Value, &n); err == nil {
			m.nodes[n.Rank] = n
		}
	}
	return nil
}

func (m *Membership) watchLoop() {
	defer m.wg.Done()

	watchCh := m.client.Watch(context.Background(), prefix, clientv3.WithPrefix())
	for {
		select {
		case <-m.stopCh:
			return
		case resp := <-watchCh:
			for _, ev := range resp.Events {
				m.handleEvent(ev)
			}
		}
	}
}

func (m *Membership) handleEvent(ev *clientv3.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.Type {
	case clientv3.EventTypePut:
		var n Node
		if err := json.Unmarshal(ev.Kv.Value, &n); err == nil {
			m.nodes[n.Rank] = n
		}
	case clientv3.EventTypeDelete:
		for rank, n := range m.nodes {
			if prefix+fmt.Sprint(rank) == string(ev.Kv.Key) {
				delete(m.nodes, rank)
				_ = n
			}
		}
	}
}

// AddressOf returns the address registered for rank, suitable for use
// as the addresses callback internal/transport.NewExtentPeer expects.
func (m *Membership) AddressOf(rank int) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[rank]
	if !ok {
		return "", false
	}
	return n.Address, true
}

// NumRanks returns the number of currently known delegator ranks.
func (m *Membership) NumRanks() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes)
}

// Nodes returns a snapshot of every currently known delegator.
func (m *Membership) Nodes() []Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n)
	}
	return out
}
