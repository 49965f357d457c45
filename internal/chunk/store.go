package chunk

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/rowmark/rowmark/internal/syncx"
)

// ErrNotFound is returned when a chunk id resolves to nothing.
var ErrNotFound = errors.New("chunk: not found")

// DefaultTTL is how long a stored chunk stays fetchable.
const DefaultTTL = 24 * time.Hour

// Key is the snapshot cache key. Two pulls that agree on every field
// share the same chunk.
type Key struct {
	Table         string
	ScopeKey      string
	AsOfCommitSeq int64
	RowCursor     string
	RowLimit      int
	Encoding      string
	Compression   string
}

// String serializes the key canonically for the unique index.
func (k Key) String() string {
	return strings.Join([]string{
		k.Table,
		k.ScopeKey,
		strconv.FormatInt(k.AsOfCommitSeq, 10),
		k.RowCursor,
		strconv.Itoa(k.RowLimit),
		k.Encoding,
		k.Compression,
	}, "|")
}

// BlobAdapter is an optional external body store keyed by SHA-256. A
// failed external read falls back to the inline body column.
type BlobAdapter interface {
	Put(ctx context.Context, sha256 string, body []byte) error
	Get(ctx context.Context, sha256 string) ([]byte, error)
}

// Store persists snapshot chunks in sync_snapshot_chunks with a small
// in-process LRU over decoded bodies.
type Store struct {
	Pool  *pgxpool.Pool
	Blobs BlobAdapter
	TTL   time.Duration

	cache *lru.Cache[string, []byte]
}

// NewStore creates a chunk store. cacheSize bounds the decoded-body
// read cache; zero disables it.
func NewStore(pool *pgxpool.Pool, blobs BlobAdapter, cacheSize int) *Store {
	s := &Store{Pool: pool, Blobs: blobs, TTL: DefaultTTL}
	if cacheSize > 0 {
		cache, err := lru.New[string, []byte](cacheSize)
		if err == nil {
			s.cache = cache
		}
	}
	return s
}

// FindOrStore encodes rows and inserts the chunk unless the cache key
// already resolves to one, returning the canonical reference either
// way. Concurrent identical inserts collapse on the unique index.
func (s *Store) FindOrStore(ctx context.Context, partition string, key Key, rows []map[string]any) (syncx.ChunkRef, error) {
	cacheKey := key.String()

	if ref, err := s.lookup(ctx, partition, cacheKey); err == nil {
		return ref, nil
	} else if !errors.Is(err, ErrNotFound) {
		return syncx.ChunkRef{}, err
	}

	body, sha, err := EncodeFrames(rows)
	if err != nil {
		return syncx.ChunkRef{}, err
	}

	id := uuid.NewString()
	var blobHash *string
	if s.Blobs != nil {
		if err := s.Blobs.Put(ctx, sha, body); err != nil {
			log.Warn().Err(err).Str("sha256", sha).Msg("blob adapter put failed, keeping inline body only")
		} else {
			blobHash = &sha
		}
	}

	tag, err := s.Pool.Exec(ctx, `
		INSERT INTO sync_snapshot_chunks
			(id, partition_id, cache_key, sha256, byte_length, encoding, compression, body, blob_hash, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW() + $10::interval)
		ON CONFLICT (partition_id, cache_key) DO NOTHING
	`, id, partition, cacheKey, sha, len(body), key.Encoding, key.Compression, body, blobHash,
		fmt.Sprintf("%d seconds", int(s.ttl().Seconds())))
	if err != nil {
		return syncx.ChunkRef{}, fmt.Errorf("chunk: insert: %w", err)
	}

	if tag.RowsAffected() == 0 {
		// Lost the race; the winner's chunk is canonical.
		return s.lookup(ctx, partition, cacheKey)
	}

	if s.cache != nil {
		s.cache.Add(id, body)
	}
	return syncx.ChunkRef{
		ID:          id,
		SHA256:      sha,
		ByteLength:  len(body),
		Encoding:    key.Encoding,
		Compression: key.Compression,
	}, nil
}

// Read returns the compressed body of a chunk by id. The external blob
// adapter is tried first when the chunk carries a blob hash; the inline
// column is the fallback.
func (s *Store) Read(ctx context.Context, chunkID string) ([]byte, error) {
	if s.cache != nil {
		if body, ok := s.cache.Get(chunkID); ok {
			return body, nil
		}
	}

	var body []byte
	var sha string
	var blobHash *string
	err := s.Pool.QueryRow(ctx, `
		SELECT body, sha256, blob_hash
		FROM sync_snapshot_chunks
		WHERE id = $1 AND expires_at > NOW()
	`, chunkID).Scan(&body, &sha, &blobHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("chunk: read %s: %w", chunkID, err)
	}

	if blobHash != nil && s.Blobs != nil {
		external, err := s.Blobs.Get(ctx, *blobHash)
		if err == nil && SHA256Hex(external) == sha {
			body = external
		} else if err != nil {
			log.Warn().Err(err).Str("chunk_id", chunkID).Msg("blob adapter read failed, using inline body")
		}
	}
	if body == nil {
		return nil, ErrNotFound
	}

	if s.cache != nil {
		s.cache.Add(chunkID, body)
	}
	return body, nil
}

// CleanupExpired deletes chunks whose TTL has passed and returns the
// number removed.
func (s *Store) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.Pool.Exec(ctx,
		`DELETE FROM sync_snapshot_chunks WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("chunk: cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) lookup(ctx context.Context, partition, cacheKey string) (syncx.ChunkRef, error) {
	var ref syncx.ChunkRef
	err := s.Pool.QueryRow(ctx, `
		SELECT id, sha256, byte_length, encoding, compression
		FROM sync_snapshot_chunks
		WHERE partition_id = $1 AND cache_key = $2 AND expires_at > NOW()
	`, partition, cacheKey).Scan(&ref.ID, &ref.SHA256, &ref.ByteLength, &ref.Encoding, &ref.Compression)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return syncx.ChunkRef{}, ErrNotFound
		}
		return syncx.ChunkRef{}, fmt.Errorf("chunk: lookup: %w", err)
	}
	return ref, nil
}

func (s *Store) ttl() time.Duration {
	if s.TTL <= 0 {
		return DefaultTTL
	}
	return s.TTL
}
