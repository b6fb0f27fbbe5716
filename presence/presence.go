// Package presence tracks which users have a live connection to this process.
package presence

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var onlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "minichat_online_users",
	Help: "Number of users with at least one live connection.",
})

func init() {
	prometheus.MustRegister(onlineUsers)
}

// Registry is a set of online user ids. Add and remove are idempotent.
// It is created at server start and shared by all connection handlers.
type Registry struct {
	sync.RWMutex
	users map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{users: make(map[string]struct{})}
}

// MarkOnline adds uid, returns false if it was already online.
func (r *Registry) MarkOnline(uid string) bool {
	r.Lock()
	defer r.Unlock()
	if _, ok := r.users[uid]; ok {
		return false
	}
	r.users[uid] = struct{}{}
	onlineUsers.Set(float64(len(r.users)))
	return true
}

// MarkOffline removes uid, returns false if it was not online.
func (r *Registry) MarkOffline(uid string) bool {
	r.Lock()
	defer r.Unlock()
	if _, ok := r.users[uid]; !ok {
		return false
	}
	delete(r.users, uid)
	onlineUsers.Set(float64(len(r.users)))
	return true
}

func (r *Registry) IsOnline(uid string) bool {
	r.RLock()
	_, ok := r.users[uid]
	r.RUnlock()
	return ok
}

// Snapshot returns the online user ids, sorted.
func (r *Registry) Snapshot() []string {
	r.RLock()
	out := make([]string, 0, len(r.users))
	for uid := range r.users {
		out = append(out, uid)
	}
	r.RUnlock()
	sort.Strings(out)
	return out
}

// Reset drops every entry, used on server stop.
func (r *Registry) Reset() {
	r.Lock()
	r.users = make(map[string]struct{})
	onlineUsers.Set(0)
	r.Unlock()
}
