package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"rubin.dev/rpcnode/rpc"
)

var (
	bucketWalletMeta = []byte("wallet_meta")
	bucketWalletKeys = []byte("wallet_keys_by_address")
	bucketAudit      = []byte("rpc_audit_by_id")
)

// KeyRecord is one wallet address. The ed25519 seed is stored wrapped under
// the wallet master key, or in the clear for an unencrypted wallet.
type KeyRecord struct {
	Address     string
	Label       string
	PubKey      []byte
	WrappedSeed []byte
	CreatedAt   int64
}

// AuditRecord is one wallet-touching RPC call.
type AuditRecord struct {
	ID        uuid.UUID
	Time      time.Time
	Method    string
	Peer      string
	RequestID string
	Code      rpc.ErrorCode
}

type DB struct {
	dir string
	db  *bolt.DB
}

func Open(datadir string) (*DB, error) {
	if datadir == "" {
		return nil, fmt.Errorf("datadir required")
	}
	dir := WalletDir(datadir)
	if err := ensureDir(dir); err != nil {
		return nil, err
	}
	bdb, err := bolt.Open(filepath.Join(dir, "wallet.db"), 0o600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open bbolt: %w", err)
	}
	if err := bdb.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketWalletMeta, bucketWalletKeys, bucketAudit} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", string(b), err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return &DB{dir: dir, db: bdb}, nil
}

func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func (d *DB) Dir() string { return d.dir }

func (d *DB) GetMeta(key string) ([]byte, bool, error) {
	var out []byte
	err := d.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketWalletMeta).Get([]byte(key)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

// PutMeta writes every entry of kv in one transaction.
func (d *DB) PutMeta(kv map[string][]byte) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWalletMeta)
		for k, v := range kv {
			if err := b.Put([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReplaceWalletKeys writes meta and rewrites every key record through fn in a
// single transaction, so a crash never leaves keys wrapped under two
// different master keys.
func (d *DB) ReplaceWalletKeys(meta map[string][]byte, fn func(KeyRecord) (KeyRecord, error)) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		mb := tx.Bucket(bucketWalletMeta)
		for k, v := range meta {
			if err := mb.Put([]byte(k), v); err != nil {
				return err
			}
		}
		kb := tx.Bucket(bucketWalletKeys)
		var updated []KeyRecord
		if err := kb.ForEach(func(k, v []byte) error {
			rec, err := decodeKeyRecord(string(k), v)
			if err != nil {
				return err
			}
			next, err := fn(*rec)
			if err != nil {
				return err
			}
			updated = append(updated, next)
			return nil
		}); err != nil {
			return err
		}
		for _, rec := range updated {
			val, err := encodeKeyRecord(rec)
			if err != nil {
				return err
			}
			if err := kb.Put([]byte(rec.Address), val); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *DB) PutKey(rec KeyRecord) error {
	if rec.Address == "" {
		return errors.New("key record: address required")
	}
	val, err := encodeKeyRecord(rec)
	if err != nil {
		return err
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWalletKeys).Put([]byte(rec.Address), val)
	})
}

func (d *DB) GetKey(address string) (*KeyRecord, bool, error) {
	var out *KeyRecord
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketWalletKeys).Get([]byte(address))
		if v == nil {
			return nil
		}
		rec, err := decodeKeyRecord(address, v)
		if err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

func (d *DB) CountKeys() (int, error) {
	n := 0
	err := d.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketWalletKeys).Stats().KeyN
		return nil
	})
	return n, err
}

// RecordCall appends an audit entry carrying the request id found in ctx.
// Ids are UUIDv7, so bucket order is time order.
func (d *DB) RecordCall(ctx context.Context, method, peer string, code rpc.ErrorCode) error {
	id, err := uuid.NewV7()
	if err != nil {
		return err
	}
	val := encodeAuditValue(time.Now(), method, peer, rpc.RequestIDFrom(ctx), code)
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAudit).Put(id[:], val)
	})
}

// AuditTail returns up to n most recent audit records, newest first.
func (d *DB) AuditTail(n int) ([]AuditRecord, error) {
	var out []AuditRecord
	err := d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		for k, v := c.Last(); k != nil && len(out) < n; k, v = c.Prev() {
			rec, err := decodeAuditRecord(k, v)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// PruneAudit deletes records older than cutoff and reports how many went.
func (d *DB) PruneAudit(cutoff time.Time) (int, error) {
	var stale [][]byte
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			rec, err := decodeAuditRecord(k, v)
			if err != nil {
				return err
			}
			if !rec.Time.Before(cutoff) {
				break
			}
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(stale), nil
}

func encodeKeyRecord(r KeyRecord) ([]byte, error) {
	if len(r.Label) > 0xffff || len(r.WrappedSeed) > 0xffff || len(r.PubKey) > 0xff {
		return nil, fmt.Errorf("key record: field too large")
	}
	// Layout:
	// created i64le | label_len u16le | label | pub_len u8 | pub | seed_len u16le | seed
	out := make([]byte, 0, 8+2+len(r.Label)+1+len(r.PubKey)+2+len(r.WrappedSeed))
	out = binary.LittleEndian.AppendUint64(out, uint64(r.CreatedAt)) // #nosec G115 -- timestamp bits round-trip through decode.
	out = binary.LittleEndian.AppendUint16(out, uint16(len(r.Label)))
	out = append(out, r.Label...)
	out = append(out, byte(len(r.PubKey)))
	out = append(out, r.PubKey...)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(r.WrappedSeed)))
	out = append(out, r.WrappedSeed...)
	return out, nil
}

func decodeKeyRecord(address string, b []byte) (*KeyRecord, error) {
	rd := reader{b: b}
	created := rd.u64()
	label := rd.bytes(int(rd.u16()))
	pub := rd.bytes(int(rd.u8()))
	seed := rd.bytes(int(rd.u16()))
	if rd.err != nil || len(rd.b) != 0 {
		return nil, fmt.Errorf("key record %s: truncated or trailing data", address)
	}
	return &KeyRecord{
		Address:     address,
		Label:       string(label),
		PubKey:      pub,
		WrappedSeed: seed,
		CreatedAt:   int64(created), // #nosec G115 -- inverse of encodeKeyRecord.
	}, nil
}

func encodeAuditValue(at time.Time, method, peer, requestID string, code rpc.ErrorCode) []byte {
	if len(method) > 0xff {
		method = method[:0xff]
	}
	if len(peer) > 0xff {
		peer = peer[:0xff]
	}
	if len(requestID) > 0xff {
		requestID = requestID[:0xff]
	}
	// Layout:
	// time_unix_nano i64le | code i32le | method_len u8 | method | peer_len u8 | peer
	// | request_id_len u8 | request_id
	out := make([]byte, 0, 8+4+1+len(method)+1+len(peer)+1+len(requestID))
	out = binary.LittleEndian.AppendUint64(out, uint64(at.UnixNano())) // #nosec G115 -- timestamp bits round-trip through decode.
	out = binary.LittleEndian.AppendUint32(out, uint32(int32(code)))   // #nosec G115 -- codes fit in int32.
	out = append(out, byte(len(method)))
	out = append(out, method...)
	out = append(out, byte(len(peer)))
	out = append(out, peer...)
	out = append(out, byte(len(requestID)))
	out = append(out, requestID...)
	return out
}

func decodeAuditRecord(k, v []byte) (AuditRecord, error) {
	id, err := uuid.FromBytes(k)
	if err != nil {
		return AuditRecord{}, fmt.Errorf("audit key: %w", err)
	}
	rd := reader{b: v}
	nanos := rd.u64()
	code := rd.u32()
	method := rd.bytes(int(rd.u8()))
	peer := rd.bytes(int(rd.u8()))
	requestID := rd.bytes(int(rd.u8()))
	if rd.err != nil || len(rd.b) != 0 {
		return AuditRecord{}, fmt.Errorf("audit record %s: truncated or trailing data", id)
	}
	return AuditRecord{
		ID:        id,
		Time:      time.Unix(0, int64(nanos)), // #nosec G115 -- inverse of encodeAuditValue.
		Method:    string(method),
		Peer:      string(peer),
		RequestID: string(requestID),
		Code:      rpc.ErrorCode(int32(code)), // #nosec G115 -- inverse of encodeAuditValue.
	}, nil
}

type reader struct {
	b   []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.b) {
		r.err = errors.New("truncated")
		return nil
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) bytes(n int) []byte {
	b := r.take(n)
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
