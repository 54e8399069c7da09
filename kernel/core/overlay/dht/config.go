package dht

import "time"

// Config holds every tunable of the DHT engine. Default... constructors
// following the teacher's configuration idiom: a plain struct with a
// DefaultConfig() that callers override field-by-field.
type Config struct {
	// CandidateListSize bounds the list of unverified peers learned from
	// lookup responses, pending promotion into the routing table.
	CandidateListSize int

	// RequestTimeout is how long a pending request (ping or lookup step)
	// is given before it is considered unanswered.
	RequestTimeout time.Duration

	// PendingScanInterval is how often pending requests are scanned for
	// timeouts and lookups advanced to their next candidate.
	PendingScanInterval time.Duration

	// BucketRefreshInterval is how often each bucket is refreshed: pings
	// to stale entries, eviction of entries older than NodeEvictionAge.
	BucketRefreshInterval time.Duration
	// PingStaleAge is the age at which a bucket entry is re-pinged during
	// a refresh pass.
	PingStaleAge time.Duration
	// NodeEvictionAge is the age at which a bucket entry is evicted.
	NodeEvictionAge time.Duration

	// AnnounceRefreshInterval is how often announcements are refreshed.
	AnnounceRefreshInterval time.Duration
	// AnnounceStorerExpiry is the age at which this node expires an
	// announcement it is storing on behalf of another node.
	AnnounceStorerExpiry time.Duration
	// AnnounceSelfRefreshAge is the age at which this node re-announces
	// its own data to the network.
	AnnounceSelfRefreshAge time.Duration

	// MaxMessageSize is the largest UDP payload the overlay will send.
	MaxMessageSize int

	// InboundRateLimit caps inbound requests per second per source
	// address before they are dropped as a flood-protection measure.
	InboundRateLimit int
}

// DefaultConfig returns the engine configuration described by spec.md §4.7.
func DefaultConfig() Config {
	return Config{
		CandidateListSize:       10,
		RequestTimeout:          2 * time.Second,
		PendingScanInterval:     500 * time.Millisecond,
		BucketRefreshInterval:   60 * time.Second,
		PingStaleAge:            15 * time.Minute,
		NodeEvictionAge:         20 * time.Minute,
		AnnounceRefreshInterval: 5 * time.Minute,
		AnnounceStorerExpiry:    30 * time.Minute,
		AnnounceSelfRefreshAge:  20 * time.Minute,
		MaxMessageSize:          1024,
		InboundRateLimit:        50,
	}
}
