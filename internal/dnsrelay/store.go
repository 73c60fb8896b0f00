package dnsrelay

import (
	"container/list"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Requester is a client waiting for the answer to a pending query.
type Requester struct {
	Addr netip.AddrPort
	ID   uint16
}

// QueryResult is the state kept per "<name>|<TYPE>" key.
type QueryResult struct {
	Requesters []Requester
	// Response is the cached upstream answer in wire format.
	Response   []byte
	ExpireTime time.Time
	// SentAt is when the query was last forwarded upstream.
	SentAt time.Time
}

// Fresh reports whether the cached response may still be served at now.
func (r *QueryResult) Fresh(now time.Time) bool {
	return len(r.Response) > 0 && now.Before(r.ExpireTime)
}

func (r *QueryResult) Pending() bool { return len(r.Requesters) > 0 }

// MessageKey returns the store key of the first question of m.
func MessageKey(m *dns.Msg) string {
	q := m.Question[0]
	name := strings.TrimSuffix(strings.ToLower(q.Name), ".")
	typ, ok := dns.TypeToString[q.Qtype]
	if !ok {
		typ = dns.Type(q.Qtype).String()
	}
	return name + "|" + typ
}

type storeEntry struct {
	key    string
	result *QueryResult
}

// Store is a bounded LRU of query results. Eviction prefers the least
// recently used entry without waiting requesters.
type Store struct {
	max   int
	ll    *list.List
	items map[string]*list.Element
}

func NewStore(maxEntries int) *Store {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &Store{
		max:   maxEntries,
		ll:    list.New(),
		items: make(map[string]*list.Element),
	}
}

// Get returns the entry for key and marks it recently used.
func (s *Store) Get(key string) (*QueryResult, bool) {
	el, ok := s.items[key]
	if !ok {
		return nil, false
	}
	s.ll.MoveToFront(el)
	return el.Value.(*storeEntry).result, true
}

// GetOrCreate returns the entry for key, inserting an empty one that expires
// at expire when it does not exist yet.
func (s *Store) GetOrCreate(key string, expire time.Time) *QueryResult {
	if r, ok := s.Get(key); ok {
		return r
	}
	for s.ll.Len() >= s.max {
		s.evict()
	}
	r := &QueryResult{ExpireTime: expire}
	s.items[key] = s.ll.PushFront(&storeEntry{key: key, result: r})
	return r
}

func (s *Store) Len() int { return s.ll.Len() }

func (s *Store) evict() {
	for el := s.ll.Back(); el != nil; el = el.Prev() {
		if !el.Value.(*storeEntry).result.Pending() {
			s.remove(el)
			return
		}
	}
	// every entry is waiting on upstream; drop the oldest anyway
	s.remove(s.ll.Back())
}

func (s *Store) remove(el *list.Element) {
	s.ll.Remove(el)
	delete(s.items, el.Value.(*storeEntry).key)
}
