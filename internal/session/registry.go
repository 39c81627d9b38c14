package session

import (
	"errors"
	"math/rand"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const clientShards = 64

var ErrDuplicateSession = errors.New("session already registered")

type clientShard struct {
	mu       sync.RWMutex
	byClient map[string]map[string]*Session
}

// Registry maps connections to sessions and indexes them by client id.
// A session is added to the connection map before the client index and
// removed from the index first, so every indexed session is always
// reachable by its connection id.
type Registry struct {
	byConn sync.Map
	shards [clientShards]*clientShard

	// list backs uniform sampling; pos maps a connection id to its slot.
	listMu sync.Mutex
	list   []*Session
	pos    map[string]int
}

func NewRegistry() *Registry {
	r := &Registry{pos: make(map[string]int)}
	for i := range r.shards {
		r.shards[i] = &clientShard{byClient: make(map[string]map[string]*Session)}
	}
	return r
}

func (r *Registry) shardFor(clientID string) *clientShard {
	return r.shards[xxhash.Sum64String(clientID)%clientShards]
}

func (r *Registry) Register(s *Session) error {
	if _, loaded := r.byConn.LoadOrStore(s.ID, s); loaded {
		return ErrDuplicateSession
	}

	r.listMu.Lock()
	r.pos[s.ID] = len(r.list)
	r.list = append(r.list, s)
	r.listMu.Unlock()

	sh := r.shardFor(s.ClientID)
	sh.mu.Lock()
	conns, ok := sh.byClient[s.ClientID]
	if !ok {
		conns = make(map[string]*Session, 1)
		sh.byClient[s.ClientID] = conns
	}
	conns[s.ID] = s
	sh.mu.Unlock()
	return nil
}

// Deregister removes the session bound to connID. It reports false when the
// connection was not registered, so concurrent callers remove it only once.
func (r *Registry) Deregister(connID string) (*Session, bool) {
	v, ok := r.byConn.Load(connID)
	if !ok {
		return nil, false
	}
	s := v.(*Session)

	sh := r.shardFor(s.ClientID)
	sh.mu.Lock()
	if conns, ok := sh.byClient[s.ClientID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(sh.byClient, s.ClientID)
		}
	}
	sh.mu.Unlock()

	if _, loaded := r.byConn.LoadAndDelete(connID); !loaded {
		return nil, false
	}

	r.listMu.Lock()
	if i, ok := r.pos[connID]; ok {
		last := len(r.list) - 1
		r.list[i] = r.list[last]
		r.pos[r.list[i].ID] = i
		r.list[last] = nil
		r.list = r.list[:last]
		delete(r.pos, connID)
	}
	r.listMu.Unlock()
	return s, true
}

func (r *Registry) Get(connID string) (*Session, bool) {
	v, ok := r.byConn.Load(connID)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// SessionsFor returns every live connection of clientID.
func (r *Registry) SessionsFor(clientID string) []*Session {
	sh := r.shardFor(clientID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	conns := sh.byClient[clientID]
	out := make([]*Session, 0, len(conns))
	for _, s := range conns {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Online(clientID string) bool {
	sh := r.shardFor(clientID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.byClient[clientID]) > 0
}

// OnlineClients lists client ids with at least one connection, sorted.
func (r *Registry) OnlineClients() []string {
	var out []string
	for _, sh := range r.shards {
		sh.mu.RLock()
		for id := range sh.byClient {
			out = append(out, id)
		}
		sh.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Len() int {
	r.listMu.Lock()
	defer r.listMu.Unlock()
	return len(r.list)
}

// Sample draws n sessions uniformly at random with replacement.
func (r *Registry) Sample(n int) []*Session {
	r.listMu.Lock()
	defer r.listMu.Unlock()
	if n <= 0 || len(r.list) == 0 {
		return nil
	}
	out := make([]*Session, n)
	for i := range out {
		out[i] = r.list[rand.Intn(len(r.list))]
	}
	return out
}

// Range calls fn for each session until fn returns false.
func (r *Registry) Range(fn func(*Session) bool) {
	r.byConn.Range(func(_, v any) bool {
		return fn(v.(*Session))
	})
}
