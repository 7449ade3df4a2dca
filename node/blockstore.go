package node

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"rubin.dev/rpcnode/crypto"
)

const (
	blockStoreIndexVersion = 1
	blockStoreDirName      = "blockstore"

	// HeaderSize is the serialized block header length.
	HeaderSize = 116
)

var ErrBlockNotFound = errors.New("block not found")

// BlockHeader is the decoded fixed-size header.
// Layout: version u32le | prev 32 | merkle 32 | timestamp u64le | target 32 | nonce u64le
type BlockHeader struct {
	Version    uint32
	PrevHash   [32]byte
	MerkleRoot [32]byte
	Timestamp  uint64
	Target     [32]byte
	Nonce      uint64
}

func ParseHeader(b []byte) (BlockHeader, error) {
	var h BlockHeader
	if len(b) != HeaderSize {
		return h, fmt.Errorf("invalid header length: %d", len(b))
	}
	h.Version = binary.LittleEndian.Uint32(b[0:4])
	copy(h.PrevHash[:], b[4:36])
	copy(h.MerkleRoot[:], b[36:68])
	h.Timestamp = binary.LittleEndian.Uint64(b[68:76])
	copy(h.Target[:], b[76:108])
	h.Nonce = binary.LittleEndian.Uint64(b[108:116])
	return h, nil
}

// BlockHash is SHA3-256 of the serialized header.
func BlockHash(header []byte) ([32]byte, error) {
	if len(header) != HeaderSize {
		return [32]byte{}, fmt.Errorf("invalid header length: %d", len(header))
	}
	return crypto.SHA3_256(header), nil
}

// BlockStore is the file-backed canonical chain index read by the blockchain
// commands and REST. Reads may run concurrently with a writer.
type BlockStore struct {
	rootPath   string
	indexPath  string
	blocksDir  string
	headersDir string

	mu      sync.RWMutex
	index   blockStoreIndexDisk
	heights map[string]uint64
}

type blockStoreIndexDisk struct {
	Version   uint32   `json:"version"`
	Canonical []string `json:"canonical"`
}

func BlockStorePath(dataDir string) string {
	return filepath.Join(dataDir, blockStoreDirName)
}

func OpenBlockStore(rootPath string) (*BlockStore, error) {
	indexPath := filepath.Join(rootPath, "index.json")
	blocksDir := filepath.Join(rootPath, "blocks")
	headersDir := filepath.Join(rootPath, "headers")

	if err := os.MkdirAll(blocksDir, 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(headersDir, 0o755); err != nil {
		return nil, err
	}

	index, err := loadBlockStoreIndex(indexPath)
	if err != nil {
		return nil, err
	}

	bs := &BlockStore{
		rootPath:   rootPath,
		indexPath:  indexPath,
		blocksDir:  blocksDir,
		headersDir: headersDir,
		index:      index,
	}
	bs.rebuildHeights()
	return bs, nil
}

func (bs *BlockStore) rebuildHeights() {
	bs.heights = make(map[string]uint64, len(bs.index.Canonical))
	for i, h := range bs.index.Canonical {
		bs.heights[h] = uint64(i)
	}
}

func (bs *BlockStore) PutBlock(height uint64, blockHash [32]byte, headerBytes []byte, blockBytes []byte) error {
	if bs == nil {
		return errors.New("nil blockstore")
	}
	computedHash, err := BlockHash(headerBytes)
	if err != nil {
		return err
	}
	if computedHash != blockHash {
		return errors.New("header hash mismatch")
	}

	hashHex := hex.EncodeToString(blockHash[:])
	if err := writeFileIfAbsent(filepath.Join(bs.blocksDir, hashHex+".bin"), blockBytes); err != nil {
		return err
	}
	if err := writeFileIfAbsent(filepath.Join(bs.headersDir, hashHex+".bin"), headerBytes); err != nil {
		return err
	}
	return bs.SetCanonicalTip(height, blockHash)
}

// SetCanonicalTip makes blockHash canonical at height, truncating any higher
// entries when it replaces a different hash.
func (bs *BlockStore) SetCanonicalTip(height uint64, blockHash [32]byte) error {
	if bs == nil {
		return errors.New("nil blockstore")
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	hashHex := hex.EncodeToString(blockHash[:])
	currentLen := uint64(len(bs.index.Canonical))
	switch {
	case height > currentLen:
		return fmt.Errorf("height gap: got %d, expected <= %d", height, currentLen)
	case height == currentLen:
		bs.index.Canonical = append(bs.index.Canonical, hashHex)
	default:
		if bs.index.Canonical[height] == hashHex {
			return saveBlockStoreIndex(bs.indexPath, bs.index)
		}
		bs.index.Canonical = append(bs.index.Canonical[:height], hashHex)
	}
	bs.rebuildHeights()
	return saveBlockStoreIndex(bs.indexPath, bs.index)
}

func (bs *BlockStore) RewindToHeight(height uint64) error {
	if bs == nil {
		return errors.New("nil blockstore")
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if len(bs.index.Canonical) == 0 {
		return nil
	}
	if height >= uint64(len(bs.index.Canonical)) {
		return fmt.Errorf("rewind height out of range: %d", height)
	}
	bs.index.Canonical = append([]string(nil), bs.index.Canonical[:height+1]...)
	bs.rebuildHeights()
	return saveBlockStoreIndex(bs.indexPath, bs.index)
}

func (bs *BlockStore) CanonicalHash(height uint64) ([32]byte, bool, error) {
	var out [32]byte
	if bs == nil {
		return out, false, errors.New("nil blockstore")
	}
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	if height >= uint64(len(bs.index.Canonical)) {
		return out, false, nil
	}
	hash, err := parseHex32("canonical hash", bs.index.Canonical[height])
	if err != nil {
		return out, false, err
	}
	return hash, true, nil
}

// HeightOf returns the canonical height of blockHash. Stored blocks that left
// the canonical chain report false.
func (bs *BlockStore) HeightOf(blockHash [32]byte) (uint64, bool) {
	if bs == nil {
		return 0, false
	}
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	h, ok := bs.heights[hex.EncodeToString(blockHash[:])]
	return h, ok
}

func (bs *BlockStore) Tip() (uint64, [32]byte, bool, error) {
	var out [32]byte
	if bs == nil {
		return 0, out, false, errors.New("nil blockstore")
	}
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	if len(bs.index.Canonical) == 0 {
		return 0, out, false, nil
	}
	height := uint64(len(bs.index.Canonical) - 1)
	hash, err := parseHex32("tip hash", bs.index.Canonical[height])
	if err != nil {
		return 0, out, false, err
	}
	return height, hash, true, nil
}

func (bs *BlockStore) GetBlockByHash(blockHash [32]byte) ([]byte, error) {
	if bs == nil {
		return nil, errors.New("nil blockstore")
	}
	return readStored(bs.blocksDir, blockHash)
}

func (bs *BlockStore) GetHeaderByHash(blockHash [32]byte) ([]byte, error) {
	if bs == nil {
		return nil, errors.New("nil blockstore")
	}
	return readStored(bs.headersDir, blockHash)
}

// HeadersFrom returns up to count canonical headers starting at blockHash.
func (bs *BlockStore) HeadersFrom(blockHash [32]byte, count int) ([][]byte, error) {
	start, ok := bs.HeightOf(blockHash)
	if !ok {
		return nil, ErrBlockNotFound
	}
	out := make([][]byte, 0, count)
	for h := start; len(out) < count; h++ {
		hash, ok, err := bs.CanonicalHash(h)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		header, err := bs.GetHeaderByHash(hash)
		if err != nil {
			return nil, err
		}
		out = append(out, header)
	}
	return out, nil
}

func readStored(dir string, blockHash [32]byte) ([]byte, error) {
	raw, err := readFileFromDir(dir, hex.EncodeToString(blockHash[:])+".bin")
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrBlockNotFound
	}
	return raw, err
}

func loadBlockStoreIndex(path string) (blockStoreIndexDisk, error) {
	raw, err := readFileByPath(path)
	if errors.Is(err, os.ErrNotExist) {
		return blockStoreIndexDisk{
			Version:   blockStoreIndexVersion,
			Canonical: []string{},
		}, nil
	}
	if err != nil {
		return blockStoreIndexDisk{}, err
	}
	var index blockStoreIndexDisk
	if err := json.Unmarshal(raw, &index); err != nil {
		return blockStoreIndexDisk{}, fmt.Errorf("decode blockstore index: %w", err)
	}
	if index.Version != blockStoreIndexVersion {
		return blockStoreIndexDisk{}, fmt.Errorf("unsupported blockstore index version: %d", index.Version)
	}
	for i, hashHex := range index.Canonical {
		if _, err := parseHex32(fmt.Sprintf("canonical[%d]", i), hashHex); err != nil {
			return blockStoreIndexDisk{}, err
		}
	}
	return index, nil
}

func saveBlockStoreIndex(path string, index blockStoreIndexDisk) error {
	raw, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return err
	}
	raw = append(raw, '\n')
	return writeFileAtomic(path, raw, 0o644)
}
