// Package sessioncache caches per-agent session state in the coordination
// store so a connection can resume without re-pairing after a restart or an
// ownership move.
//
// Each agent has independently-TTL'd fields (credentials, metadata, user ID,
// phone number) under their own keys, enabling partial invalidation. Values
// above the compression threshold are gzipped transparently; entries that
// exceed the hard size limit are rejected and the caller proceeds uncached.
package sessioncache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/haasonsaas/flotilla/internal/coordination"
)

const (
	// CompressThreshold is the payload size above which values are
	// compressed before storage.
	CompressThreshold = 1 << 10 // 1 KiB

	// MaxEntrySize is the hard limit on a stored envelope. Larger writes
	// are rejected, never truncated.
	MaxEntrySize = 5 << 20 // 5 MiB
)

// Envelope format: one version byte, one flags byte, then the payload.
// The version byte guards against reading entries written by an
// incompatible release; anything unrecognized degrades to a cache miss.
const (
	envelopeVersion = 0x01

	flagCompressed = 0x01
)

// ErrTooLarge is returned when a payload exceeds MaxEntrySize. The
// previous cached value, if any, is preserved.
var ErrTooLarge = errors.New("session cache: entry exceeds size limit")

// Field TTL defaults. Credentials live longest since they are the expensive
// thing to lose; identity fields churn more.
const (
	DefaultCredentialsTTL = 7 * 24 * time.Hour
	DefaultMetadataTTL    = 24 * time.Hour
	DefaultIdentityTTL    = 24 * time.Hour
)

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits         uint64 `json:"hits"`
	Misses       uint64 `json:"misses"`
	Sets         uint64 `json:"sets"`
	Rejections   uint64 `json:"rejections"`
	Compressions uint64 `json:"compressions"`
	Errors       uint64 `json:"errors"`
}

// Cache wraps the coordination store with envelope encoding and per-field
// key management. All store and corruption errors degrade to cache misses;
// nothing here is ever surfaced to the lifecycle manager as a failure.
type Cache struct {
	store  coordination.Store
	logger *slog.Logger

	counters counters
}

// New creates a session cache on top of the given store.
func New(store coordination.Store, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:  store,
		logger: logger.With("component", "sessioncache"),
	}
}

func credsKey(agentID string) string { return "sess:" + agentID + ":creds" }
func metaKey(agentID string) string  { return "sess:" + agentID + ":meta" }
func userKey(agentID string) string  { return "sess:" + agentID + ":userid" }
func phoneKey(agentID string) string { return "sess:" + agentID + ":phone" }
func agentPrefix(agentID string) string { return "sess:" + agentID + ":" }

// SetCredentials caches an agent's credential blob. A zero ttl uses the
// default. Returns ErrTooLarge for oversized blobs; callers must treat that
// as "proceed without caching", not as a connection failure.
func (c *Cache) SetCredentials(ctx context.Context, agentID string, blob []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultCredentialsTTL
	}
	return c.set(ctx, credsKey(agentID), blob, ttl)
}

// GetCredentials returns the cached credential blob, or nil on miss. Store
// errors and corrupt entries are logged and reported as a miss.
func (c *Cache) GetCredentials(ctx context.Context, agentID string) []byte {
	return c.get(ctx, credsKey(agentID))
}

// SetMetadata caches ancillary registration metadata for an agent.
func (c *Cache) SetMetadata(ctx context.Context, agentID string, blob []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultMetadataTTL
	}
	return c.set(ctx, metaKey(agentID), blob, ttl)
}

// GetMetadata returns cached metadata, or nil on miss.
func (c *Cache) GetMetadata(ctx context.Context, agentID string) []byte {
	return c.get(ctx, metaKey(agentID))
}

// SetUserID caches the network-assigned user identity.
func (c *Cache) SetUserID(ctx context.Context, agentID, userID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultIdentityTTL
	}
	return c.set(ctx, userKey(agentID), []byte(userID), ttl)
}

// GetUserID returns the cached user identity, or "" on miss.
func (c *Cache) GetUserID(ctx context.Context, agentID string) string {
	return string(c.get(ctx, userKey(agentID)))
}

// SetPhoneNumber caches the agent's phone identity.
func (c *Cache) SetPhoneNumber(ctx context.Context, agentID, phone string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultIdentityTTL
	}
	return c.set(ctx, phoneKey(agentID), []byte(phone), ttl)
}

// GetPhoneNumber returns the cached phone identity, or "" on miss.
func (c *Cache) GetPhoneNumber(ctx context.Context, agentID string) string {
	return string(c.get(ctx, phoneKey(agentID)))
}

// Invalidate removes every cached field for one agent. Used on logout,
// fatal auth failure, and forced re-pair.
func (c *Cache) Invalidate(ctx context.Context, agentID string) error {
	removed, err := c.store.DeletePrefix(ctx, agentPrefix(agentID))
	if err != nil {
		c.counters.errors.Add(1)
		c.logger.Warn("invalidate failed", "agent_id", agentID, "error", err)
		return err
	}
	c.logger.Debug("session invalidated", "agent_id", agentID, "fields", removed)
	return nil
}

// InvalidateAll removes every cached session. Administrative reset only.
func (c *Cache) InvalidateAll(ctx context.Context) (int, error) {
	removed, err := c.store.DeletePrefix(ctx, "sess:")
	if err != nil {
		c.counters.errors.Add(1)
		return 0, err
	}
	c.logger.Info("all sessions invalidated", "fields", removed)
	return removed, nil
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	return c.counters.snapshot()
}

func (c *Cache) set(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	envelope, compressed, err := encode(payload)
	if err != nil {
		if errors.Is(err, ErrTooLarge) {
			c.counters.rejections.Add(1)
			c.logger.Warn("entry rejected", "key", key, "size", len(payload))
			return err
		}
		c.counters.errors.Add(1)
		return err
	}
	if compressed {
		c.counters.compressions.Add(1)
	}
	if err := c.store.Set(ctx, key, envelope, ttl); err != nil {
		c.counters.errors.Add(1)
		c.logger.Warn("cache write failed", "key", key, "error", err)
		return err
	}
	c.counters.sets.Add(1)
	return nil
}

func (c *Cache) get(ctx context.Context, key string) []byte {
	envelope, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, coordination.ErrNotFound) {
			c.counters.errors.Add(1)
			c.logger.Warn("cache read failed", "key", key, "error", err)
		}
		c.counters.misses.Add(1)
		return nil
	}
	payload, err := decode(envelope)
	if err != nil {
		// Corruption is indistinguishable from absence to callers.
		c.counters.errors.Add(1)
		c.counters.misses.Add(1)
		c.logger.Warn("cache entry corrupt", "key", key, "error", err)
		return nil
	}
	c.counters.hits.Add(1)
	return payload
}

// encode wraps payload in the versioned envelope, compressing above the
// threshold. Reports whether compression was applied.
func encode(payload []byte) ([]byte, bool, error) {
	// The cap applies to the payload, the same size decode enforces after
	// decompression. Checking the compressed body instead would accept
	// writes that every later read rejects.
	if len(payload) > MaxEntrySize {
		return nil, false, ErrTooLarge
	}

	flags := byte(0)
	body := payload

	if len(payload) > CompressThreshold {
		var buf bytes.Buffer
		writer := gzip.NewWriter(&buf)
		if _, err := writer.Write(payload); err != nil {
			return nil, false, fmt.Errorf("compress: %w", err)
		}
		if err := writer.Close(); err != nil {
			return nil, false, fmt.Errorf("compress: %w", err)
		}
		// Keep the uncompressed form when compression does not help
		// (already-compressed credential material is common).
		if buf.Len() < len(payload) {
			body = buf.Bytes()
			flags |= flagCompressed
		}
	}

	envelope := make([]byte, 2+len(body))
	envelope[0] = envelopeVersion
	envelope[1] = flags
	copy(envelope[2:], body)
	return envelope, flags&flagCompressed != 0, nil
}

// decode unwraps an envelope produced by encode.
func decode(envelope []byte) ([]byte, error) {
	if len(envelope) < 2 {
		return nil, errors.New("envelope too short")
	}
	if envelope[0] != envelopeVersion {
		return nil, fmt.Errorf("unknown envelope version %#x", envelope[0])
	}
	body := envelope[2:]
	if envelope[1]&flagCompressed == 0 {
		payload := make([]byte, len(body))
		copy(payload, body)
		return payload, nil
	}
	reader, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	defer reader.Close()
	payload, err := io.ReadAll(io.LimitReader(reader, MaxEntrySize+1))
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	if len(payload) > MaxEntrySize {
		return nil, errors.New("decompressed entry exceeds size limit")
	}
	return payload, nil
}
