package state

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketLog  = []byte("log")
	bucketMeta = []byte("meta")

	keyTerm     = []byte("term")
	keyVotedFor = []byte("votedFor")
)

// Bolt is the on-disk Backend. Entries live in the "log" bucket keyed by
// big-endian index with snappy-compressed JSON values; (term, votedFor)
// live in "meta". Every write commits a fsynced bbolt transaction, which
// gives the synchronous durability the append contract requires.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the store at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("state: opening %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketLog); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("state: initializing buckets: %w", err)
	}
	return &Bolt{db: db}, nil
}

type boltEntry struct {
	Term  uint64          `json:"term"`
	Query json.RawMessage `json:"query"`
}

func (b *Bolt) Append(entries []Entry) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketLog)
		for _, e := range entries {
			val, err := json.Marshal(boltEntry{Term: e.Term, Query: e.Query})
			if err != nil {
				return err
			}
			if err := bkt.Put(indexKey(e.Index), snappy.Encode(nil, val)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Bolt) TruncateFrom(index uint64) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLog).Cursor()
		for k, _ := c.Seek(indexKey(index)); k != nil; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Bolt) Entries() ([]Entry, error) {
	var out []Entry
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLog).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			raw, err := snappy.Decode(nil, v)
			if err != nil {
				return fmt.Errorf("decompressing entry %d: %w", binary.BigEndian.Uint64(k), err)
			}
			var be boltEntry
			if err := json.Unmarshal(raw, &be); err != nil {
				return fmt.Errorf("decoding entry %d: %w", binary.BigEndian.Uint64(k), err)
			}
			out = append(out, Entry{Index: binary.BigEndian.Uint64(k), Term: be.Term, Query: be.Query})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Bolt) SaveVote(term uint64, votedFor int64) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketMeta)
		var tbuf, vbuf [8]byte
		binary.BigEndian.PutUint64(tbuf[:], term)
		binary.BigEndian.PutUint64(vbuf[:], uint64(votedFor))
		if err := bkt.Put(keyTerm, tbuf[:]); err != nil {
			return err
		}
		return bkt.Put(keyVotedFor, vbuf[:])
	})
}

func (b *Bolt) LoadVote() (uint64, int64, error) {
	term, votedFor := uint64(0), NoVote
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketMeta)
		if v := bkt.Get(keyTerm); len(v) == 8 {
			term = binary.BigEndian.Uint64(v)
		}
		if v := bkt.Get(keyVotedFor); len(v) == 8 {
			votedFor = int64(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	return term, votedFor, err
}

func (b *Bolt) Close() error { return b.db.Close() }

func indexKey(index uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], index)
	return k[:]
}

var _ Backend = (*Bolt)(nil)
