package store

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"rubin.dev/rpcnode/rpc"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenRequiresDatadir(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatalf("expected datadir error")
	}
}

func TestOpenCreatesWalletDir(t *testing.T) {
	datadir := t.TempDir()
	db, err := Open(datadir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	if db.Dir() != WalletDir(datadir) {
		t.Fatalf("dir=%q", db.Dir())
	}
	if _, err := os.Stat(filepath.Join(datadir, "wallet", "wallet.db")); err != nil {
		t.Fatalf("wallet.db missing: %v", err)
	}
}

func TestMetaRoundTrip(t *testing.T) {
	db := openTestDB(t)
	if _, ok, err := db.GetMeta("salt"); err != nil || ok {
		t.Fatalf("expected missing salt, ok=%v err=%v", ok, err)
	}
	if err := db.PutMeta(map[string][]byte{"salt": {1, 2, 3}, "version": {1}}); err != nil {
		t.Fatalf("PutMeta: %v", err)
	}
	got, ok, err := db.GetMeta("salt")
	if err != nil || !ok || !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Fatalf("GetMeta: %x ok=%v err=%v", got, ok, err)
	}
}

func TestKeyRecords(t *testing.T) {
	db := openTestDB(t)
	rec := KeyRecord{
		Address:     "rbn1abc",
		Label:       "savings",
		PubKey:      bytes.Repeat([]byte{7}, 32),
		WrappedSeed: bytes.Repeat([]byte{9}, 40),
		CreatedAt:   1_700_000_000,
	}
	if err := db.PutKey(rec); err != nil {
		t.Fatalf("PutKey: %v", err)
	}
	if err := db.PutKey(KeyRecord{}); err == nil {
		t.Fatalf("expected address required error")
	}
	got, ok, err := db.GetKey("rbn1abc")
	if err != nil || !ok {
		t.Fatalf("GetKey: ok=%v err=%v", ok, err)
	}
	if got.Label != rec.Label || got.CreatedAt != rec.CreatedAt ||
		!bytes.Equal(got.PubKey, rec.PubKey) || !bytes.Equal(got.WrappedSeed, rec.WrappedSeed) {
		t.Fatalf("record mismatch: %+v", got)
	}
	if _, ok, _ := db.GetKey("missing"); ok {
		t.Fatalf("unexpected key")
	}
	n, err := db.CountKeys()
	if err != nil || n != 1 {
		t.Fatalf("CountKeys=%d err=%v", n, err)
	}
}

func TestReplaceWalletKeysIsAtomic(t *testing.T) {
	db := openTestDB(t)
	for _, addr := range []string{"a", "b"} {
		if err := db.PutKey(KeyRecord{Address: addr, WrappedSeed: []byte{1}}); err != nil {
			t.Fatalf("PutKey: %v", err)
		}
	}
	err := db.ReplaceWalletKeys(map[string][]byte{"master": {9}}, func(r KeyRecord) (KeyRecord, error) {
		if r.Address == "b" {
			return r, os.ErrInvalid
		}
		r.WrappedSeed = []byte{2}
		return r, nil
	})
	if err == nil {
		t.Fatalf("expected rewrite failure")
	}
	if _, ok, _ := db.GetMeta("master"); ok {
		t.Fatalf("meta written despite failed rewrite")
	}
	a, _, _ := db.GetKey("a")
	if !bytes.Equal(a.WrappedSeed, []byte{1}) {
		t.Fatalf("key a rewritten despite failed transaction")
	}

	if err := db.ReplaceWalletKeys(map[string][]byte{"master": {9}}, func(r KeyRecord) (KeyRecord, error) {
		r.WrappedSeed = []byte{3}
		return r, nil
	}); err != nil {
		t.Fatalf("ReplaceWalletKeys: %v", err)
	}
	b, _, _ := db.GetKey("b")
	if !bytes.Equal(b.WrappedSeed, []byte{3}) {
		t.Fatalf("key b not rewritten: %x", b.WrappedSeed)
	}
}

func TestAuditJournal(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	for _, m := range []string{"walletpassphrase", "signmessage", "dumpprivkey"} {
		if err := db.RecordCall(ctx, m, "127.0.0.1:4000", 0); err != nil {
			t.Fatalf("RecordCall: %v", err)
		}
	}
	if err := db.RecordCall(rpc.WithRequestID(ctx, "req-7"), "walletlock", "127.0.0.1:4000", rpc.ErrWalletWrongEncState); err != nil {
		t.Fatalf("RecordCall: %v", err)
	}

	tail, err := db.AuditTail(2)
	if err != nil {
		t.Fatalf("AuditTail: %v", err)
	}
	if len(tail) != 2 || tail[0].Method != "walletlock" || tail[1].Method != "dumpprivkey" {
		t.Fatalf("unexpected tail: %+v", tail)
	}
	if tail[1].RequestID != "" {
		t.Fatalf("request id without one in ctx: %q", tail[1].RequestID)
	}
	if tail[0].Code != rpc.ErrWalletWrongEncState || tail[0].Peer != "127.0.0.1:4000" || tail[0].RequestID != "req-7" {
		t.Fatalf("unexpected record: %+v", tail[0])
	}

	n, err := db.PruneAudit(time.Now().Add(time.Minute))
	if err != nil || n != 4 {
		t.Fatalf("PruneAudit n=%d err=%v", n, err)
	}
	tail, _ = db.AuditTail(10)
	if len(tail) != 0 {
		t.Fatalf("expected empty journal, got %d", len(tail))
	}
}

func TestDecodeRejectsTruncated(t *testing.T) {
	val, err := encodeKeyRecord(KeyRecord{Address: "x", Label: "l", PubKey: []byte{1}, WrappedSeed: []byte{2}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := decodeKeyRecord("x", val[:len(val)-1]); err == nil {
		t.Fatalf("expected truncation error")
	}
	if _, err := decodeKeyRecord("x", append(val, 0)); err == nil {
		t.Fatalf("expected trailing data error")
	}
}
