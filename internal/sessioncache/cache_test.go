package sessioncache

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/haasonsaas/flotilla/internal/coordination"
)

func newTestCache(t *testing.T) (*Cache, *coordination.MemoryStore) {
	t.Helper()
	store := coordination.NewMemoryStore()
	return New(store, slog.New(slog.DiscardHandler)), store
}

func TestCache_RoundTripSmall(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	blob := []byte("small credential blob")
	if err := cache.SetCredentials(ctx, "agent-1", blob, 0); err != nil {
		t.Fatalf("SetCredentials: %v", err)
	}

	got := cache.GetCredentials(ctx, "agent-1")
	if !bytes.Equal(got, blob) {
		t.Errorf("GetCredentials = %q, want %q", got, blob)
	}

	stats := cache.Stats()
	if stats.Compressions != 0 {
		t.Errorf("small blob should not be compressed, compressions = %d", stats.Compressions)
	}
	if stats.Hits != 1 {
		t.Errorf("hits = %d, want 1", stats.Hits)
	}
}

func TestCache_RoundTripCompressed(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	// Repetitive content well above the threshold so gzip wins.
	blob := bytes.Repeat([]byte("session-key-material "), 1024)
	if err := cache.SetCredentials(ctx, "agent-1", blob, 0); err != nil {
		t.Fatalf("SetCredentials: %v", err)
	}

	got := cache.GetCredentials(ctx, "agent-1")
	if !bytes.Equal(got, blob) {
		t.Error("compressed round trip mismatch")
	}

	if stats := cache.Stats(); stats.Compressions != 1 {
		t.Errorf("compressions = %d, want 1", stats.Compressions)
	}
}

func TestCache_RejectsOversized(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	prior := []byte("prior value")
	if err := cache.SetCredentials(ctx, "agent-1", prior, 0); err != nil {
		t.Fatalf("SetCredentials: %v", err)
	}

	// Incompressible content past the 5 MiB limit.
	huge := make([]byte, 6<<20)
	rand.New(rand.NewSource(42)).Read(huge)
	err := cache.SetCredentials(ctx, "agent-1", huge, 0)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("SetCredentials oversized = %v, want ErrTooLarge", err)
	}

	// The rejection must preserve whatever was cached before.
	if got := cache.GetCredentials(ctx, "agent-1"); !bytes.Equal(got, prior) {
		t.Errorf("prior value lost after rejection: %q", got)
	}
	if stats := cache.Stats(); stats.Rejections != 1 {
		t.Errorf("rejections = %d, want 1", stats.Rejections)
	}
}

func TestCache_RejectsOversizedEvenWhenCompressible(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	prior := []byte("prior value")
	if err := cache.SetCredentials(ctx, "agent-1", prior, 0); err != nil {
		t.Fatalf("SetCredentials: %v", err)
	}

	// Zero-filled content compresses far below the limit, but a read
	// would reject the decompressed size, so the write must too.
	huge := make([]byte, 6<<20)
	err := cache.SetCredentials(ctx, "agent-1", huge, 0)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("SetCredentials oversized = %v, want ErrTooLarge", err)
	}

	if got := cache.GetCredentials(ctx, "agent-1"); !bytes.Equal(got, prior) {
		t.Errorf("prior value lost after rejection: %q", got)
	}
}

func TestCache_MissOnCorruptEntry(t *testing.T) {
	cache, store := newTestCache(t)
	ctx := context.Background()

	_ = store.Set(ctx, "sess:agent-1:creds", []byte{0xFF, 0x00, 0x01}, 0)
	if got := cache.GetCredentials(ctx, "agent-1"); got != nil {
		t.Errorf("corrupt entry should read as miss, got %q", got)
	}
	if stats := cache.Stats(); stats.Errors != 1 || stats.Misses != 1 {
		t.Errorf("stats = %+v, want one error and one miss", stats)
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	cache, store := newTestCache(t)
	ctx := context.Background()

	now := time.Now()
	store.SetClockForTest(func() time.Time { return now })

	if err := cache.SetCredentials(ctx, "agent-1", []byte("v"), 2*time.Second); err != nil {
		t.Fatalf("SetCredentials: %v", err)
	}

	now = now.Add(3 * time.Second)
	if got := cache.GetCredentials(ctx, "agent-1"); got != nil {
		t.Errorf("expired entry should read as miss, got %q", got)
	}
}

func TestCache_IndependentFields(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	_ = cache.SetCredentials(ctx, "agent-1", []byte("creds"), 0)
	_ = cache.SetMetadata(ctx, "agent-1", []byte("meta"), 0)
	_ = cache.SetUserID(ctx, "agent-1", "12345@network", 0)
	_ = cache.SetPhoneNumber(ctx, "agent-1", "+15551234567", 0)

	if got := cache.GetUserID(ctx, "agent-1"); got != "12345@network" {
		t.Errorf("GetUserID = %q", got)
	}
	if got := cache.GetPhoneNumber(ctx, "agent-1"); got != "+15551234567" {
		t.Errorf("GetPhoneNumber = %q", got)
	}
}

func TestCache_Invalidate(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	_ = cache.SetCredentials(ctx, "agent-1", []byte("creds"), 0)
	_ = cache.SetMetadata(ctx, "agent-1", []byte("meta"), 0)
	_ = cache.SetCredentials(ctx, "agent-2", []byte("other"), 0)

	if err := cache.Invalidate(ctx, "agent-1"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	if got := cache.GetCredentials(ctx, "agent-1"); got != nil {
		t.Error("agent-1 credentials should be gone")
	}
	if got := cache.GetMetadata(ctx, "agent-1"); got != nil {
		t.Error("agent-1 metadata should be gone")
	}
	if got := cache.GetCredentials(ctx, "agent-2"); got == nil {
		t.Error("agent-2 credentials should survive")
	}
}

func TestCache_InvalidateAll(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	_ = cache.SetCredentials(ctx, "agent-1", []byte("a"), 0)
	_ = cache.SetCredentials(ctx, "agent-2", []byte("b"), 0)

	removed, err := cache.InvalidateAll(ctx)
	if err != nil {
		t.Fatalf("InvalidateAll: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
}

func TestEncode_SkipsUnhelpfulCompression(t *testing.T) {
	// Incompressible payload above the threshold stays uncompressed.
	payload := make([]byte, 4096)
	rand.New(rand.NewSource(7)).Read(payload)
	envelope, compressed, err := encode(payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if compressed {
		t.Error("incompressible payload should not be stored compressed")
	}
	got, err := decode(envelope)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("round trip mismatch")
	}
}
