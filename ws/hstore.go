package ws

import (
	"sort"
	"sync"
)

// HandlerStore is the memory store of local handlers, indexed by session id
// and by user id. The per user index is the broadcast group of that user.
type HandlerStore struct {
	sync.RWMutex
	handlers map[string]*Handler
	groups   map[string]map[string]*Handler // uid -> sid -> handler
}

func newHandlerStore() *HandlerStore {
	return &HandlerStore{
		handlers: make(map[string]*Handler),
		groups:   make(map[string]map[string]*Handler),
	}
}

func (hs *HandlerStore) get(sid string) *Handler {
	hs.RLock()
	h := hs.handlers[sid]
	hs.RUnlock()
	return h
}

// del removes the handler of sid, returns whether it was present and how many
// handlers its user still has.
func (hs *HandlerStore) del(sid string) (bool, int) {
	hs.Lock()
	defer hs.Unlock()
	h, ok := hs.handlers[sid]
	if !ok {
		return false, 0
	}
	delete(hs.handlers, sid)

	uid := h.session.Uid
	group := hs.groups[uid]
	delete(group, sid)
	if len(group) == 0 {
		delete(hs.groups, uid)
	}
	return true, len(group)
}

func (hs *HandlerStore) add(handler *Handler) {
	hs.Lock()
	defer hs.Unlock()
	sid := handler.session.Sid
	uid := handler.session.Uid
	hs.handlers[sid] = handler
	group, ok := hs.groups[uid]
	if !ok {
		group = make(map[string]*Handler)
		hs.groups[uid] = group
	}
	group[sid] = handler
}

// getByUid returns the handlers of uid, order by create time asc.
func (hs *HandlerStore) getByUid(uid string) []*Handler {
	hs.RLock()
	group := hs.groups[uid]
	out := make([]*Handler, 0, len(group))
	for _, h := range group {
		out = append(out, h)
	}
	hs.RUnlock()

	sortByCreateTime(out)
	return out
}

func (hs *HandlerStore) all() []*Handler {
	hs.RLock()
	defer hs.RUnlock()
	out := make([]*Handler, 0, len(hs.handlers))
	for _, h := range hs.handlers {
		out = append(out, h)
	}
	return out
}

func (hs *HandlerStore) count() int {
	hs.RLock()
	defer hs.RUnlock()
	return len(hs.handlers)
}

// overQuota returns the oldest handlers of uid beyond quota.
func (hs *HandlerStore) overQuota(uid string, quota int) []*Handler {
	slice := hs.getByUid(uid)
	n := len(slice) - quota
	if n <= 0 {
		return nil
	}
	return slice[:n]
}

// allOverQuota applies overQuota to every user.
func (hs *HandlerStore) allOverQuota(quota int) []*Handler {
	hs.RLock()
	uids := make([]string, 0, len(hs.groups))
	for uid, group := range hs.groups {
		if len(group) > quota {
			uids = append(uids, uid)
		}
	}
	hs.RUnlock()

	var out []*Handler
	for _, uid := range uids {
		out = append(out, hs.overQuota(uid, quota)...)
	}
	return out
}

func sortByCreateTime(slice []*Handler) {
	sort.Slice(slice, func(i, j int) bool {
		a, b := slice[i].session, slice[j].session
		if !a.CreateTime.Equal(b.CreateTime) {
			return a.CreateTime.Before(b.CreateTime)
		}
		return a.Sid < b.Sid
	})
}
