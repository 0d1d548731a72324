package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/shardrun-go/ports/storage"
)

type StorageConfig struct {
	Connect Connector
	Bucket  string // defaults to "shardrun_pending"
}

// Storage keeps pending requests in a JetStream key-value bucket, one
// key per (address, request). Insertion order is recovered from bucket
// revisions.
type Storage struct {
	kv jetstream.KeyValue
}

func NewStorage(cfg StorageConfig) (*Storage, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, _, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, err
	}

	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "shardrun_pending"
	}

	kv, err := js.CreateOrUpdateKeyValue(context.Background(), jetstream.KeyValueConfig{
		Bucket:  bucket,
		Storage: jetstream.FileStorage,
	})
	if err != nil {
		return nil, err
	}

	return &Storage{kv: kv}, nil
}

// storageKey maps an address key and request id to a KV key. Address
// keys contain '/' which NATS KV keys do not allow.
func storageKey(addressKey, requestID string) string {
	return storagePrefix(addressKey) + "." + requestID
}

func storagePrefix(addressKey string) string {
	return strings.ReplaceAll(addressKey, "/", ".")
}

func (s *Storage) Append(ctx context.Context, addressKey string, entry storage.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	if _, err := s.kv.Put(ctx, storageKey(addressKey, entry.RequestID), data); err != nil {
		return fmt.Errorf("nats: put entry: %w", err)
	}
	return nil
}

func (s *Storage) Pending(ctx context.Context, addressKey string) ([]storage.Entry, error) {
	keys, err := s.keysFor(ctx, addressKey)
	if err != nil {
		return nil, err
	}

	type revEntry struct {
		rev   uint64
		entry storage.Entry
	}
	found := make([]revEntry, 0, len(keys))
	for _, key := range keys {
		kve, err := s.kv.Get(ctx, key)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("nats: get entry %s: %w", key, err)
		}
		var entry storage.Entry
		if err := json.Unmarshal(kve.Value(), &entry); err != nil {
			return nil, fmt.Errorf("decode entry %s: %w", key, err)
		}
		found = append(found, revEntry{rev: kve.Revision(), entry: entry})
	}

	sort.Slice(found, func(i, j int) bool { return found[i].rev < found[j].rev })

	entries := make([]storage.Entry, 0, len(found))
	for _, fe := range found {
		entries = append(entries, fe.entry)
	}
	return entries, nil
}

func (s *Storage) ResetAddress(ctx context.Context, addressKey string) error {
	keys, err := s.keysFor(ctx, addressKey)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.kv.Purge(ctx, key); err != nil {
			return fmt.Errorf("nats: purge entry %s: %w", key, err)
		}
	}
	return nil
}

func (s *Storage) keysFor(ctx context.Context, addressKey string) ([]string, error) {
	lister, err := s.kv.ListKeysFiltered(ctx, storagePrefix(addressKey)+".>")
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("nats: list keys: %w", err)
	}
	var keys []string
	for key := range lister.Keys() {
		keys = append(keys, key)
	}
	return keys, nil
}

var _ storage.Store = (*Storage)(nil)
