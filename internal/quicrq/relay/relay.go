// Package relay implements source registration and fan-out (C9): attaching
// subscriber streams to a local cache, pulling an upstream feed on cache
// miss, and propagating start/end points and wake-ups to every bound
// subscriber stream.
package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/qmedia/quicrq/internal/quicrq/cache"
)

// InitialCacheDuration is how long a cache that has never received a
// fragment is kept alive waiting for its first one.
const InitialCacheDuration = 30 * time.Second

// DefaultCacheDuration is how long a feed-closed, unreferenced cache is kept
// alive before deletion, once it has received at least one fragment.
const DefaultCacheDuration = 10 * time.Second

// SubscriberStream is the subset of a subscriber stream's behavior the
// fan-out layer needs in order to wake it and propagate points to it. The
// concrete control-stream implementation satisfies this.
type SubscriberStream interface {
	// MarkActive is called whenever new data lands in the source's cache.
	MarkActive()
	// NotifyStartPoint is called when the source's cache learns a new
	// first-retained point, so the stream can emit a START_POINT message.
	NotifyStartPoint(group, object uint64)
	// NotifyEndPoint is called when the source's cache learns its final
	// point, so the stream can emit the terminal control message.
	NotifyEndPoint(group, object uint64)
}

// UpstreamOpener dials a parent connection and opens a subscription (or a
// publish) for a URL, wiring the returned consumer into the new source's
// cache. It is supplied by the caller (the relay server), which owns
// connection lifecycle and transport selection.
type UpstreamOpener func(url string, into *cache.Cache) error

// Source is one URL's fragment cache plus the set of subscriber streams
// currently drawing from it.
type Source struct {
	URL   string
	Cache *cache.Cache

	mu          sync.Mutex
	subscribers map[SubscriberStream]struct{}

	hasUpstream  bool
	upstreamDone bool

	createdAt   time.Time
	firstDataAt time.Time
	hasData     bool

	purgeDeadline time.Time
	deadlineSet   bool
}

func newSource(url string) *Source {
	s := &Source{
		URL:         url,
		subscribers: make(map[SubscriberStream]struct{}),
		createdAt:   time.Now(),
	}
	s.Cache = cache.New(s.wakeup)
	s.Cache.OnStartPoint(s.notifyStartPoint)
	s.Cache.OnEndPoint(s.notifyEndPoint)
	return s
}

func (s *Source) wakeup() {
	s.mu.Lock()
	if !s.hasData {
		s.hasData = true
		s.firstDataAt = time.Now()
	}
	subs := make([]SubscriberStream, 0, len(s.subscribers))
	for sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.MarkActive()
	}
}

func (s *Source) notifyStartPoint(group, object uint64) {
	for _, sub := range s.snapshotSubscribers() {
		sub.NotifyStartPoint(group, object)
	}
}

func (s *Source) notifyEndPoint(group, object uint64) {
	for _, sub := range s.snapshotSubscribers() {
		sub.NotifyEndPoint(group, object)
	}
}

func (s *Source) snapshotSubscribers() []SubscriberStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := make([]SubscriberStream, 0, len(s.subscribers))
	for sub := range s.subscribers {
		subs = append(subs, sub)
	}
	return subs
}

// Attach binds sub to this source, so it receives wake-ups and point
// notifications going forward.
func (s *Source) Attach(sub SubscriberStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[sub] = struct{}{}
}

// Detach unbinds sub. The caller is responsible for invoking the registry's
// deletion sweep afterward, since an unreferenced, feed-closed source
// becomes eligible for purge only after this.
func (s *Source) Detach(sub SubscriberStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribers, sub)
}

func (s *Source) subscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// MarkUpstreamDone records that the upstream feed (parent subscription or
// publish) has finished, so the cache is marked feed-closed.
func (s *Source) MarkUpstreamDone() {
	s.mu.Lock()
	s.upstreamDone = true
	s.mu.Unlock()
	s.Cache.SetFeedClosed(true)
}

// purgeEligibleAt returns the time after which this source may be deleted,
// given it currently has no subscribers and its feed is closed. ok is false
// if the source is not currently eligible for purge at all. The deadline is
// fixed the first time the source becomes eligible, so repeated sweeps don't
// keep pushing it into the future.
func (s *Source) purgeEligibleAt() (at time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subscribers) != 0 || !s.upstreamDone {
		s.deadlineSet = false
		return time.Time{}, false
	}
	if !s.deadlineSet {
		if !s.hasData {
			s.purgeDeadline = s.createdAt.Add(InitialCacheDuration)
		} else {
			s.purgeDeadline = time.Now().Add(DefaultCacheDuration)
		}
		s.deadlineSet = true
		s.Cache.SetCacheDeleteTime(s.purgeDeadline)
	}
	return s.purgeDeadline, true
}

// Registry tracks every locally known source by URL, matching one cache (and
// its bound subscriber streams) per named stream.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]*Source

	opener UpstreamOpener
}

// NewRegistry creates an empty source registry. opener is consulted whenever
// a subscription arrives for a URL with no local source; it may be nil, in
// which case a miss always fails with ErrNoUpstream.
func NewRegistry(opener UpstreamOpener) *Registry {
	return &Registry{sources: make(map[string]*Source), opener: opener}
}

// ErrNoUpstream is returned by Attach when a URL has no local source and the
// registry has no upstream opener configured.
var ErrNoUpstream = fmt.Errorf("relay: no local source and no upstream configured")

// Attach implements step 1-2 of fan-out: if a local source for url exists,
// bind sub to it directly; otherwise create one, bind sub, and pull an
// upstream feed to fill it. The returned *Source is also the value future
// lookups for the same URL will find.
func (r *Registry) Attach(url string, sub SubscriberStream) (*Source, error) {
	r.mu.Lock()
	src, existed := r.sources[url]
	if !existed {
		src = newSource(url)
		r.sources[url] = src
	}
	r.mu.Unlock()

	src.Attach(sub)

	if existed {
		return src, nil
	}

	if r.opener == nil {
		src.MarkUpstreamDone()
		return nil, ErrNoUpstream
	}
	src.hasUpstream = true
	if err := r.opener(url, src.Cache); err != nil {
		src.MarkUpstreamDone()
		return nil, err
	}
	return src, nil
}

// PublishLocal registers a source a local POST created, without attempting
// an upstream pull (the relay's publish-upstream path, step 4 of fan-out,
// wires a separate outbound POST itself and calls this first so concurrent
// subscribers see the cache immediately).
func (r *Registry) PublishLocal(url string) *Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	if src, ok := r.sources[url]; ok {
		return src
	}
	src := newSource(url)
	r.sources[url] = src
	return src
}

// Lookup returns the existing source for url, if any, without creating one.
func (r *Registry) Lookup(url string) (*Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[url]
	return src, ok
}

// Detach unbinds sub from url's source, if present.
func (r *Registry) Detach(url string, sub SubscriberStream) {
	r.mu.RLock()
	src, ok := r.sources[url]
	r.mu.RUnlock()
	if ok {
		src.Detach(sub)
	}
}

// Sweep deletes every source that is feed-closed, has no subscribers, and
// whose purge grace period has elapsed as of now. It should be called
// periodically (the teacher's status/health loop cadence); a nil opener
// registry still sweeps normally since eligibility only depends on the
// source's own state.
func (r *Registry) Sweep(now time.Time) (deleted []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for url, src := range r.sources {
		at, ok := src.purgeEligibleAt()
		if !ok || now.Before(at) {
			continue
		}
		delete(r.sources, url)
		deleted = append(deleted, url)
	}
	return deleted
}

// Count returns the number of currently registered sources, for status
// reporting.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sources)
}

// UpstreamPublisher forwards a locally published source's fragments on to
// this node's own configured parent, the push-side counterpart of
// UpstreamOpener. It is supplied by the caller (the relay server), which
// owns the connection used to reach that parent.
type UpstreamPublisher func(url string, src *cache.Cache) error

// Node is the production front door a relay server dispatches accepted
// sessions into: Fanout is the cache-miss pull path of fan-out (a
// subscription with no local source pulls one from UpstreamOpener), and
// Publish/PublishUpstream are the publish-upstream push path (a local POST
// climbs toward this node's own parent, so the origin chain sees it too).
type Node struct {
	*Registry

	upstream UpstreamPublisher
}

// NewNode creates a Node over a fresh Registry. opener is consulted on a
// subscriber cache-miss (Fanout); publishUpstream, if non-nil, is invoked by
// Publish to forward a newly published source toward this node's parent. A
// nil publishUpstream means this node is an origin with no parent to push to.
func NewNode(opener UpstreamOpener, publishUpstream UpstreamPublisher) *Node {
	return &Node{Registry: NewRegistry(opener), upstream: publishUpstream}
}

// Fanout implements the cache-miss pull path of fan-out (spec.md §4.8): it
// attaches sub to url's source, pulling an upstream feed via the configured
// UpstreamOpener if no local source exists yet.
func (n *Node) Fanout(url string, sub SubscriberStream) (*Source, error) {
	return n.Attach(url, sub)
}

// PublishHandle is returned by Publish. The caller proposes fragments into
// Cache as they arrive and calls Close once the feed ends.
type PublishHandle struct {
	Cache *cache.Cache

	src *Source
}

// Close marks the published feed ended, starting the source's purge
// countdown once its last subscriber detaches.
func (h *PublishHandle) Close() { h.src.MarkUpstreamDone() }

// Publish implements the relay's publish-facing entry point (spec.md §6): it
// registers url as a locally published source and, via PublishUpstream,
// starts forwarding it toward this node's own parent if one is configured.
func (n *Node) Publish(url string) (*PublishHandle, error) {
	src := n.PublishLocal(url)
	if err := n.PublishUpstream(url, src); err != nil {
		return nil, err
	}
	return &PublishHandle{Cache: src.Cache, src: src}, nil
}

// PublishUpstream implements the publish-upstream push path of SPEC_FULL.md
// §4.9 / spec.md §4.8's "Relay publish-upstream": when this node has a
// configured parent, it forwards src's fragments to it so the origin chain
// receives the same data a local publisher just handed this relay. A nil
// upstream publisher (origin node) makes this a no-op.
func (n *Node) PublishUpstream(url string, src *Source) error {
	if n.upstream == nil {
		return nil
	}
	return n.upstream(url, src.Cache)
}
