// Package registry publishes vertex addresses in etcd so peers started on
// other hosts can be dialed without editing the topology file.
package registry

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const Prefix = "/ava/nodes/"

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

func nodeKey(id string) string { return Prefix + id }

func nodeID(key []byte) string { return strings.TrimPrefix(string(key), Prefix) }

// RegisterNode stores id -> addr under a lease of ttl seconds and keeps it
// alive until the returned cancel is called.
func RegisterNode(cli *clientv3.Client, id, addr string, ttl int64) (clientv3.LeaseID, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return 0, nil, fmt.Errorf("grant lease: %w", err)
	}
	if _, err := cli.Put(ctx, nodeKey(id), addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, fmt.Errorf("register %s: %w", id, err)
	}

	kaCtx, kaCancel := context.WithCancel(context.Background())
	ch, err := cli.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		kaCancel()
		return 0, nil, fmt.Errorf("keep alive %s: %w", id, err)
	}
	go func() {
		// drain responses so the client does not log a full channel
		for range ch {
		}
	}()
	return lease.ID, kaCancel, nil
}

// GetPeers lists every registered vertex.
func GetPeers(ctx context.Context, cli *clientv3.Client) (map[string]string, error) {
	resp, err := cli.Get(ctx, Prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	peers := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		peers[nodeID(kv.Key)] = string(kv.Value)
	}
	return peers, nil
}

// WatchPeers calls fn with the full peer set after the initial listing and
// after every change, until the returned cancel is called.
func WatchPeers(cli *clientv3.Client, fn func(map[string]string)) context.CancelFunc {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		resp, err := cli.Get(ctx, Prefix, clientv3.WithPrefix())
		if err != nil {
			return
		}
		peers := make(map[string]string, len(resp.Kvs))
		for _, kv := range resp.Kvs {
			peers[nodeID(kv.Key)] = string(kv.Value)
		}
		fn(maps.Clone(peers))

		wch := cli.Watch(ctx, Prefix, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
		for wr := range wch {
			if wr.Err() != nil {
				continue
			}
			if applyEvents(peers, wr.Events) {
				fn(maps.Clone(peers))
			}
		}
	}()
	return cancel
}

// applyEvents folds watch events into peers and reports whether it changed.
func applyEvents(peers map[string]string, events []*clientv3.Event) bool {
	changed := false
	for _, ev := range events {
		id := nodeID(ev.Kv.Key)
		switch ev.Type {
		case mvccpb.PUT:
			if peers[id] != string(ev.Kv.Value) {
				peers[id] = string(ev.Kv.Value)
				changed = true
			}
		case mvccpb.DELETE:
			if _, ok := peers[id]; ok {
				delete(peers, id)
				changed = true
			}
		}
	}
	return changed
}

// Directory is a concurrency-safe snapshot of registered addresses.
type Directory struct {
	mu    sync.RWMutex
	peers map[string]string
}

func NewDirectory(peers map[string]string) *Directory {
	return &Directory{peers: maps.Clone(peers)}
}

// Replace installs a new snapshot; it fits WatchPeers' callback.
func (d *Directory) Replace(peers map[string]string) {
	d.mu.Lock()
	d.peers = maps.Clone(peers)
	d.mu.Unlock()
}

func (d *Directory) Lookup(id string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	addr, ok := d.peers[id]
	return addr, ok
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}
