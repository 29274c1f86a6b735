package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketEntries = []byte("entries")
	bucketMeta    = []byte("meta")
	keyRevision   = []byte("revision")
)

// BoltClient is an embedded, single-node Client backed by bbolt, for
// deployments that run a lone worker (or a test cluster of processes on one
// machine) without standing up an etcd cluster. It gives up the
// cross-process linearizability etcd provides: concurrent processes opening
// the same file will corrupt each other's lease bookkeeping, so BoltClient
// is only valid when every worker using a given data file runs in this same
// process.
type BoltClient struct {
	db *bolt.DB

	mu     sync.Mutex
	rev    int64
	leases map[LeaseID]leaseDeadline
	nextL  LeaseID
	now    func() time.Time
}

type leaseDeadline struct {
	deadline time.Time
	keys     map[string]struct{}
}

// NewBoltClient opens (creating if absent) a bbolt-backed store at
// <dataDir>/keeper.db.
func NewBoltClient(dataDir string) (*BoltClient, error) {
	path := filepath.Join(dataDir, "keeper.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening bolt store: %w", err)
	}

	rev := int64(0)
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketEntries); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		if v := meta.Get(keyRevision); v != nil {
			rev = int64(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing bolt buckets: %w", err)
	}

	return &BoltClient{
		db:     db,
		rev:    rev,
		leases: make(map[LeaseID]leaseDeadline),
		now:    time.Now,
	}, nil
}

// Close releases the underlying bbolt file.
func (b *BoltClient) Close() error {
	return b.db.Close()
}

type boltRecord struct {
	Value    string
	Revision int64
	Lease    LeaseID
}

func encodeRecord(r boltRecord) []byte {
	return []byte(fmt.Sprintf("%d\x00%d\x00%s", r.Revision, r.Lease, r.Value))
}

func decodeRecord(data []byte) (boltRecord, error) {
	parts := strings.SplitN(string(data), "\x00", 3)
	if len(parts) != 3 {
		return boltRecord{}, fmt.Errorf("malformed bolt record")
	}
	var rev int64
	var lease LeaseID
	if _, err := fmt.Sscanf(parts[0], "%d", &rev); err != nil {
		return boltRecord{}, err
	}
	if _, err := fmt.Sscanf(parts[1], "%d", &lease); err != nil {
		return boltRecord{}, err
	}
	return boltRecord{Value: parts[2], Revision: rev, Lease: lease}, nil
}

// expireLeasesLocked deletes keys whose lease has passed its deadline. It
// must be called with b.mu held, and before any bolt transaction that reads
// or writes entries.
func (b *BoltClient) expireLeasesLocked() error {
	now := b.now()
	var expired []LeaseID
	for lid, ld := range b.leases {
		if now.Before(ld.deadline) {
			continue
		}
		expired = append(expired, lid)
	}
	if len(expired) == 0 {
		return nil
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketEntries)
		for _, lid := range expired {
			for k := range b.leases[lid].keys {
				if err := bk.Delete([]byte(k)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, lid := range expired {
		delete(b.leases, lid)
	}
	return nil
}

// Get implements Client.
func (b *BoltClient) Get(_ context.Context, key string) (KV, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.expireLeasesLocked(); err != nil {
		return KV{}, err
	}

	var kv KV
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEntries).Get([]byte(key))
		if data == nil {
			return nil
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return err
		}
		found = true
		kv = KV{Key: key, Value: rec.Value, Revision: rec.Revision}
		return nil
	})
	if err != nil {
		return KV{}, err
	}
	if !found {
		return KV{}, ErrNotFound
	}
	return kv, nil
}

// Range implements Client.
func (b *BoltClient) Range(_ context.Context, prefix string) ([]KV, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.expireLeasesLocked(); err != nil {
		return nil, err
	}

	var out []KV
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			out = append(out, KV{Key: string(k), Value: rec.Value, Revision: rec.Revision})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Put implements Client.
func (b *BoltClient) Put(_ context.Context, key, value string, lease LeaseID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.expireLeasesLocked(); err != nil {
		return err
	}

	b.rev++
	rev := b.rev
	err := b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketMeta).Put(keyRevision, encodeRevision(rev)); err != nil {
			return err
		}
		rec := boltRecord{Value: value, Revision: rev, Lease: lease}
		return tx.Bucket(bucketEntries).Put([]byte(key), encodeRecord(rec))
	})
	if err != nil {
		return err
	}

	if lease != NoLease {
		ld, ok := b.leases[lease]
		if !ok {
			return nil
		}
		ld.keys[key] = struct{}{}
		b.leases[lease] = ld
	}
	return nil
}

func encodeRevision(rev int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(rev))
	return buf
}

// Delete implements Client.
func (b *BoltClient) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).Delete([]byte(key))
	})
}

// GrantLease implements Client.
func (b *BoltClient) GrantLease(_ context.Context, ttl time.Duration) (LeaseID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextL++
	lid := b.nextL
	b.leases[lid] = leaseDeadline{
		deadline: b.now().Add(ttl),
		keys:     make(map[string]struct{}),
	}
	return lid, nil
}
