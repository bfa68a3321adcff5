package usekit

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSStore keeps entries in a JetStream key/value bucket so several
// processes can share one cache or token. Keys are base64url encoded
// because request signatures contain characters NATS keys reject.
type NATSStore struct {
	kv     nats.KeyValue
	conn   *nats.Conn
	bucket string
}

// NewNATSStore wraps an existing bucket handle.
func NewNATSStore(kv nats.KeyValue) *NATSStore {
	return &NATSStore{kv: kv, bucket: kv.Bucket()}
}

// NATSStoreConfig describes how to reach a JetStream bucket.
type NATSStoreConfig struct {
	URL    string
	Bucket string
	// TTL is applied when the bucket has to be created. Zero keeps
	// entries until deleted.
	TTL time.Duration
}

// ConnectNATSStore dials cfg.URL and opens cfg.Bucket, creating it when
// it does not exist yet.
func ConnectNATSStore(cfg NATSStoreConfig) (*NATSStore, error) {
	if cfg.URL == "" || cfg.Bucket == "" {
		return nil, &StorageError{Op: "connect", Err: errors.New("nats url and bucket are required")}
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Timeout(5*time.Second),
		nats.PingInterval(time.Second),
		nats.MaxPingsOutstanding(3),
	)
	if err != nil {
		return nil, &StorageError{Op: "connect", Path: cfg.URL, Err: err}
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, &StorageError{Op: "jetstream", Path: cfg.URL, Err: err}
	}

	kv, err := js.KeyValue(cfg.Bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  cfg.Bucket,
			Storage: nats.FileStorage,
			TTL:     cfg.TTL,
		})
	}
	if err != nil {
		nc.Close()
		return nil, &StorageError{Op: "bucket", Path: cfg.Bucket, Err: err}
	}

	return &NATSStore{kv: kv, conn: nc, bucket: cfg.Bucket}, nil
}

func (s *NATSStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	if s.closed() {
		return nil, false, ErrStoreClosed
	}
	entry, err := s.kv.Get(encodeNATSKey(key))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &StorageError{Op: "get", Path: s.bucket, Err: err}
	}
	return entry.Value(), true, nil
}

func (s *NATSStore) Set(_ context.Context, key string, value []byte) error {
	if s.closed() {
		return ErrStoreClosed
	}
	if _, err := s.kv.Put(encodeNATSKey(key), value); err != nil {
		return &StorageError{Op: "put", Path: s.bucket, Err: fmt.Errorf("key %q: %w", key, err)}
	}
	return nil
}

func (s *NATSStore) Delete(_ context.Context, key string) error {
	if s.closed() {
		return ErrStoreClosed
	}
	err := s.kv.Delete(encodeNATSKey(key))
	if err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return &StorageError{Op: "delete", Path: s.bucket, Err: err}
	}
	return nil
}

// Clear purges every key in the bucket.
func (s *NATSStore) Clear(ctx context.Context) error {
	if s.closed() {
		return ErrStoreClosed
	}
	keys, err := s.kv.Keys(nats.Context(ctx))
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil
	}
	if err != nil {
		return &StorageError{Op: "keys", Path: s.bucket, Err: err}
	}
	for _, k := range keys {
		if err := s.kv.Purge(k); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
			return &StorageError{Op: "purge", Path: s.bucket, Err: err}
		}
	}
	return nil
}

// Keys lists the decoded keys currently in the bucket.
func (s *NATSStore) Keys(ctx context.Context) ([]string, error) {
	encoded, err := s.kv.Keys(nats.Context(ctx))
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "keys", Path: s.bucket, Err: err}
	}
	keys := make([]string, 0, len(encoded))
	for _, k := range encoded {
		key, err := decodeNATSKey(k)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Close drains the connection opened by ConnectNATSStore. Stores built
// with NewNATSStore leave the caller's connection alone.
func (s *NATSStore) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}

func (s *NATSStore) closed() bool {
	return s.conn != nil && s.conn.IsClosed()
}

func encodeNATSKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func decodeNATSKey(encoded string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
