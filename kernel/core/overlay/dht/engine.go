// Package dht implements the Kademlia-style DHT engine (C7): a UDP
// listener that classifies inbound datagrams as requests or responses,
// drives iterative FIND_NODE/FIND_VALUE lookups, and maintains the
// routing table, candidate list, and announcement store.
package dht

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"

	"github.com/nmxmxh/ovlnet/kernel/core/overlay/identifier"
	"github.com/nmxmxh/ovlnet/kernel/core/overlay/routing"
	"github.com/nmxmxh/ovlnet/kernel/utils"
)

// pendingRequest is an outstanding request awaiting a response or timeout,
// keyed by its cookie.
type pendingRequest struct {
	cookie    identifier.ID
	sentAt    time.Time
	peer      routing.Peer
	queriedID identifier.ID // node this request was sent to (lookup requests)

	pingCh chan bool     // non-nil for PING requests
	lookup *lookupState  // non-nil for FIND_NODE/FIND_VALUE lookup steps
}

// Engine is the running DHT node: owns the UDP socket, the routing table,
// and the background loops that keep both healthy.
type Engine struct {
	self identifier.ID
	conn *net.UDPConn

	table      *routing.Table
	candidates *candidateList
	store      *Store
	selfAnnc   *SelfAnnouncements

	pendingMu sync.Mutex
	pending   map[identifier.ID]*pendingRequest

	seenMu sync.Mutex
	seen   *bloom.BloomFilter

	limiter *limiter.TokenBucket

	cfg     Config
	metrics *Metrics
	log     *utils.Logger

	channel ChannelDispatcher

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// ChannelDispatcher routes a datagram the engine does not recognize as a
// pending DHT request to the secure-channel layer multiplexed over the
// same UDP socket (spec.md §4.8: channel handshakes are "carried as the
// initial DHT-level START_STREAM"). It reports whether the datagram was
// recognized and consumed as channel traffic. channel.Manager satisfies
// this interface without either package importing the other.
type ChannelDispatcher interface {
	Dispatch(cookie identifier.ID, data []byte, addr *net.UDPAddr) bool
}

// SetChannelDispatcher wires the channel layer into the engine's packet
// demux. It must be called before the engine starts receiving traffic
// meant for that layer.
func (e *Engine) SetChannelDispatcher(d ChannelDispatcher) {
	e.channel = d
}

// New starts a DHT engine bound to conn, routing for the given local
// identifier. Callers are responsible for opening conn (net.ListenUDP) and
// closing it after Close returns.
func New(self identifier.ID, conn *net.UDPConn, cfg Config, metrics *Metrics, log *utils.Logger) *Engine {
	if log == nil {
		log = utils.DefaultLogger("dht")
	}
	lim, _ := limiter.NewTokenBucket(
		limiter.Config{
			Rate:     int64(cfg.InboundRateLimit),
			Duration: time.Second,
			Burst:    int64(cfg.InboundRateLimit * 2),
		},
		store.NewMemoryStore(time.Minute),
	)

	e := &Engine{
		self:       self,
		conn:       conn,
		table:      routing.New(self),
		candidates: newCandidateList(cfg.CandidateListSize),
		store:      NewStore(),
		selfAnnc:   NewSelfAnnouncements(),
		pending:    make(map[identifier.ID]*pendingRequest),
		seen:       bloom.NewWithEstimates(100000, 0.01),
		limiter:    lim,
		cfg:        cfg,
		metrics:    metrics,
		log:        log.With("dht"),
		shutdown:   make(chan struct{}),
	}

	e.wg.Add(4)
	go e.readLoop()
	go e.pendingScanLoop()
	go e.bucketRefreshLoop()
	go e.announceRefreshLoop()
	return e
}

// Close stops every background loop. It does not close the UDP socket,
// which the caller owns.
func (e *Engine) Close() {
	select {
	case <-e.shutdown:
		return
	default:
		close(e.shutdown)
	}
	e.wg.Wait()
}

// Table returns the engine's routing table.
func (e *Engine) Table() *routing.Table { return e.table }

func (e *Engine) sendTo(peer routing.Peer, payload []byte) {
	addr := &net.UDPAddr{IP: peer.Addr, Port: int(peer.Port)}
	n, err := e.conn.WriteToUDP(payload, addr)
	if err != nil {
		e.log.Debug("send failed", utils.Err(err))
		return
	}
	if e.metrics != nil {
		e.metrics.BytesOut.Add(float64(n))
	}
}

// readLoop pulls datagrams off the socket and classifies them.
func (e *Engine) readLoop() {
	defer e.wg.Done()
	buf := make([]byte, e.cfg.MaxMessageSize)
	for {
		select {
		case <-e.shutdown:
			return
		default:
		}
		e.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		if e.metrics != nil {
			e.metrics.BytesIn.Add(float64(n))
		}
		e.handlePacket(append([]byte(nil), buf[:n]...), addr)
	}
}

func (e *Engine) handlePacket(data []byte, addr *net.UDPAddr) {
	if len(data) < identifier.Size+1 {
		e.drop()
		return
	}
	if e.limiter != nil && !e.limiter.Allow(addr.String()) {
		e.drop()
		return
	}

	var cookie identifier.ID
	copy(cookie[:], data[:identifier.Size])

	e.pendingMu.Lock()
	pr, isResponse := e.pending[cookie]
	if isResponse {
		delete(e.pending, cookie)
	}
	e.pendingMu.Unlock()

	if isResponse {
		msg, err := DecodeResponse(data)
		if err != nil {
			e.drop()
			return
		}
		e.handleResponse(pr, msg)
		return
	}

	if e.channel != nil && e.channel.Dispatch(cookie, data, addr) {
		return
	}

	// A duplicate request cookie means a retransmitted duplicate of a
	// request we've already answered (or are already storing); drop it
	// idempotently rather than answering twice.
	e.seenMu.Lock()
	dup := e.seen.TestAndAdd(cookie[:])
	e.seenMu.Unlock()
	if dup {
		e.drop()
		return
	}

	msg, err := DecodeRequest(data)
	if err != nil {
		e.drop()
		return
	}
	e.handleRequest(msg, addr)
}

func (e *Engine) drop() {
	e.log.Debug("dropped datagram")
	if e.metrics != nil {
		e.metrics.PacketsDropped.Inc()
	}
}

func (e *Engine) handleRequest(msg *Message, addr *net.UDPAddr) {
	peer := routing.Peer{Addr: addr.IP, Port: uint16(addr.Port)}

	switch msg.Kind {
	case KindPing:
		// A PING names its own sender id and arrived from peer's address,
		// which is as much verification as this layer ever gets; insert
		// directly rather than through the candidate list.
		e.table.Add(msg.SenderID, peer)
		e.candidates.Remove(msg.SenderID)
		e.sendTo(peer, EncodeResponse(msg.Cookie, true, nil))

	case KindFindNode:
		nearest := e.table.Nearest(msg.Target, routing.K)
		e.sendTo(peer, EncodeResponse(msg.Cookie, false, nodesToTriples(nearest)))

	case KindFindValue:
		if announcers := e.store.Get(msg.Target); len(announcers) > 0 {
			e.sendTo(peer, EncodeResponse(msg.Cookie, true, announcers))
			return
		}
		nearest := e.table.Nearest(msg.Target, routing.K)
		e.sendTo(peer, EncodeResponse(msg.Cookie, false, nodesToTriples(nearest)))

	case KindAnnounce:
		e.store.Add(msg.What, Triple{ID: msg.Who, Addr: addr.IP, Port: uint16(addr.Port)})
	}
}

func (e *Engine) handleResponse(pr *pendingRequest, msg *Message) {
	switch {
	case pr.pingCh != nil:
		e.table.Add(pr.queriedID, pr.peer)
		e.candidates.Remove(pr.queriedID)
		pr.pingCh <- true

	case pr.lookup != nil:
		for _, tr := range msg.Triples {
			e.candidates.Offer(tr.ID, routing.Peer{Addr: tr.Addr, Port: tr.Port})
		}
		done := pr.lookup.onResponse(pr.queriedID, msg)
		e.continueLookup(pr.lookup, done)
	}
}

func (e *Engine) handleTimeout(pr *pendingRequest) {
	switch {
	case pr.pingCh != nil:
		pr.pingCh <- false

	case pr.lookup != nil:
		done := pr.lookup.onTimeout(pr.queriedID)
		e.continueLookup(pr.lookup, done)
	}
}

func (e *Engine) continueLookup(lk *lookupState, done bool) {
	if done {
		e.finalizeLookup(lk)
		return
	}
	e.sendNextQuery(lk)
}

func (e *Engine) finalizeLookup(lk *lookupState) {
	if lk.reported {
		return
	}
	lk.reported = true
	close(lk.doneCh)

	if !lk.outcome.success && lk.announceOnFailure {
		for _, n := range lk.closest() {
			cookie := identifier.NewRandom()
			e.sendTo(n.Peer, EncodeAnnounce(cookie, lk.target, e.self))
		}
	}
}

func (e *Engine) sendNextQuery(lk *lookupState) {
	node, ok := lk.nextQuery()
	for ok && node.ID == e.self {
		// A peer's response can name the local node. A request sent to
		// ourselves would be taken for the reply to its own pending
		// cookie, so the local node is skipped rather than queried.
		lk.markQueried(node.ID)
		node, ok = lk.nextQuery()
	}
	if !ok {
		lk.checkExhausted()
		e.finalizeLookup(lk)
		return
	}
	lk.markQueried(node.ID)

	cookie := identifier.NewRandom()
	pr := &pendingRequest{cookie: cookie, sentAt: time.Now(), peer: node.Peer, queriedID: node.ID, lookup: lk}

	e.pendingMu.Lock()
	e.pending[cookie] = pr
	e.pendingMu.Unlock()

	var payload []byte
	if lk.value {
		payload = EncodeFindValue(cookie, lk.target)
	} else {
		payload = EncodeFindNode(cookie, lk.target)
	}
	e.sendTo(node.Peer, payload)
}

// pendingScanLoop times out stale requests and advances lookups that
// haven't heard back, per spec.md's 500 ms scan.
func (e *Engine) pendingScanLoop() {
	defer e.wg.Done()
	t := time.NewTicker(e.cfg.PendingScanInterval)
	defer t.Stop()
	for {
		select {
		case <-e.shutdown:
			return
		case <-t.C:
			e.scanPending()
		}
	}
}

func (e *Engine) scanPending() {
	now := time.Now()
	var timedOut []*pendingRequest

	e.pendingMu.Lock()
	for cookie, pr := range e.pending {
		if now.Sub(pr.sentAt) > e.cfg.RequestTimeout {
			delete(e.pending, cookie)
			timedOut = append(timedOut, pr)
		}
	}
	if e.metrics != nil {
		e.metrics.PendingRequests.Set(float64(len(e.pending)))
	}
	e.pendingMu.Unlock()

	for _, pr := range timedOut {
		e.handleTimeout(pr)
	}
}

// bucketRefreshLoop pings stale bucket entries, evicts dead ones, and
// tries to promote candidates into the table.
func (e *Engine) bucketRefreshLoop() {
	defer e.wg.Done()
	t := time.NewTicker(e.cfg.BucketRefreshInterval)
	defer t.Stop()
	for {
		select {
		case <-e.shutdown:
			return
		case <-t.C:
			e.refreshBuckets()
		}
	}
}

func (e *Engine) refreshBuckets() {
	// Reset the duplicate-request filter each refresh cycle so its false
	// positive rate doesn't climb unbounded over the node's lifetime.
	e.seenMu.Lock()
	e.seen = bloom.NewWithEstimates(100000, 0.01)
	e.seenMu.Unlock()

	for _, n := range e.table.OlderThan(e.cfg.PingStaleAge) {
		go e.Ping(context.Background(), n.ID, n.Peer)
	}
	e.table.RemoveOlderThan(e.cfg.NodeEvictionAge)

	for id, peer := range e.candidates.All() {
		go e.Ping(context.Background(), id, peer)
	}
	if e.metrics != nil {
		e.metrics.NodesKnown.Set(float64(e.table.NumNodes()))
	}
}

// announceRefreshLoop expires stored third-party announcements and
// re-announces the local node's own stale data.
func (e *Engine) announceRefreshLoop() {
	defer e.wg.Done()
	t := time.NewTicker(e.cfg.AnnounceRefreshInterval)
	defer t.Stop()
	for {
		select {
		case <-e.shutdown:
			return
		case <-t.C:
			e.store.ExpireOlderThan(e.cfg.AnnounceStorerExpiry)
			for _, what := range e.selfAnnc.Stale(e.cfg.AnnounceSelfRefreshAge) {
				go e.AnnounceSelf(context.Background(), what)
			}
		}
	}
}

// Ping sends a PING to id at peer and reports whether it replied within
// RequestTimeout. A successful reply verifies and inserts the node into
// the routing table.
func (e *Engine) Ping(ctx context.Context, id identifier.ID, peer routing.Peer) (bool, error) {
	cookie := identifier.NewRandom()
	pr := &pendingRequest{cookie: cookie, sentAt: time.Now(), peer: peer, queriedID: id, pingCh: make(chan bool, 1)}

	e.pendingMu.Lock()
	e.pending[cookie] = pr
	e.pendingMu.Unlock()

	e.sendTo(peer, EncodePing(cookie, e.self))

	select {
	case ok := <-pr.pingCh:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-e.shutdown:
		return false, utils.ErrClosed
	}
}

// FindNode performs an iterative lookup for target, returning the closest
// nodes found and whether target itself was located exactly.
func (e *Engine) FindNode(ctx context.Context, target identifier.ID) ([]routing.Node, bool, error) {
	return e.lookup(ctx, target, false, false)
}

// FindValue performs an iterative lookup for an announced value,
// returning its announcers and success=true, or the closest known nodes
// and success=false if nothing was found.
func (e *Engine) FindValue(ctx context.Context, target identifier.ID) ([]routing.Node, bool, error) {
	return e.lookup(ctx, target, true, false)
}

func (e *Engine) lookup(ctx context.Context, target identifier.ID, value, announceOnFailure bool) ([]routing.Node, bool, error) {
	seeds := e.table.Nearest(target, routing.K)
	if e.metrics != nil {
		e.metrics.LookupsStarted.Inc()
	}
	if len(seeds) == 0 {
		if e.metrics != nil {
			e.metrics.LookupsFailed.Inc()
		}
		return nil, false, nil
	}

	lk := newLookup(target, value, seeds)
	lk.announceOnFailure = announceOnFailure
	e.sendNextQuery(lk)

	select {
	case <-lk.doneCh:
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case <-e.shutdown:
		return nil, false, utils.ErrClosed
	}

	if e.metrics != nil {
		if lk.outcome.success {
			e.metrics.LookupsSucceeded.Inc()
		} else {
			e.metrics.LookupsFailed.Inc()
		}
	}
	return lk.outcome.result, lk.outcome.success, nil
}

// AnnounceSelf advertises the local node as an owner of what to the K
// nodes nearest to it, and registers it for periodic refresh. The actual
// ANNOUNCE datagrams are sent by the lookup's own failure path (spec.md
// §4.7: a content lookup that exhausts its candidates announces to the K
// currently-best nodes when it was performed for announcing).
func (e *Engine) AnnounceSelf(ctx context.Context, what identifier.ID) error {
	e.selfAnnc.Touch(what)
	_, _, err := e.lookup(ctx, what, true, true)
	return err
}

func nodesToTriples(nodes []routing.Node) []Triple {
	out := make([]Triple, len(nodes))
	for i, n := range nodes {
		out[i] = Triple{ID: n.ID, Addr: n.Peer.Addr, Port: n.Peer.Port}
	}
	return out
}
