package shmpool

import (
	"errors"
	"fmt"
	"strings"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// Registry tracks the live pools of every client.
type Registry struct {
	pools cmap.ConcurrentMap[string, *Pool]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{pools: cmap.New[*Pool]()}
}

func registryKey(client string, id uint32) string {
	return fmt.Sprintf("%s/%d", client, id)
}

// Add records pool id of client. It fails if the id is taken.
func (r *Registry) Add(client string, id uint32, p *Pool) error {
	if !r.pools.SetIfAbsent(registryKey(client, id), p) {
		return fmt.Errorf("shmpool: pool %d of %s already registered", id, client)
	}
	return nil
}

// Get returns pool id of client.
func (r *Registry) Get(client string, id uint32) (*Pool, bool) {
	return r.pools.Get(registryKey(client, id))
}

// Remove forgets pool id of client and returns it.
func (r *Registry) Remove(client string, id uint32) (*Pool, bool) {
	return r.pools.Pop(registryKey(client, id))
}

// DestroyClient destroys and forgets every pool of client.
func (r *Registry) DestroyClient(client string) error {
	prefix := client + "/"
	var errs []error
	for _, key := range r.pools.Keys() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if p, ok := r.pools.Pop(key); ok {
			errs = append(errs, p.Destroy())
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of live pools.
func (r *Registry) Len() int {
	return r.pools.Count()
}

// ClaimedBytes returns the sum of the sizes clients claim for their pools.
func (r *Registry) ClaimedBytes() uint64 {
	var total uint64
	r.pools.IterCb(func(_ string, p *Pool) {
		total += p.Size()
	})
	return total
}
