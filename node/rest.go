package node

import (
	"bytes"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const maxRESTHeaders = 2000

// HeaderJSON is the verbose form of a header shared by REST and the
// getblockheader command.
type HeaderJSON struct {
	Hash          string `json:"hash"`
	Confirmations int64  `json:"confirmations"`
	Height        int64  `json:"height"`
	Version       uint32 `json:"version"`
	PreviousHash  string `json:"previousblockhash"`
	MerkleRoot    string `json:"merkleroot"`
	Time          uint64 `json:"time"`
	Target        string `json:"target"`
	Nonce         uint64 `json:"nonce"`
	NextHash      string `json:"nextblockhash,omitempty"`
}

// DescribeHeader decodes header and places it on the canonical chain. Blocks
// off the canonical chain get height -1 and zero confirmations.
func DescribeHeader(chain *BlockStore, hash [32]byte, header []byte) (HeaderJSON, error) {
	h, err := ParseHeader(header)
	if err != nil {
		return HeaderJSON{}, err
	}
	out := HeaderJSON{
		Hash:         hex.EncodeToString(hash[:]),
		Height:       -1,
		Version:      h.Version,
		PreviousHash: hex.EncodeToString(h.PrevHash[:]),
		MerkleRoot:   hex.EncodeToString(h.MerkleRoot[:]),
		Time:         h.Timestamp,
		Target:       hex.EncodeToString(h.Target[:]),
		Nonce:        h.Nonce,
	}
	height, ok := chain.HeightOf(hash)
	if !ok {
		return out, nil
	}
	tip, _, _, err := chain.Tip()
	if err != nil {
		return HeaderJSON{}, err
	}
	out.Height = int64(height)                // #nosec G115 -- chain heights are far below 2^63.
	out.Confirmations = int64(tip-height) + 1 // #nosec G115 -- tip >= height.
	if next, ok, err := chain.CanonicalHash(height + 1); err == nil && ok {
		out.NextHash = hex.EncodeToString(next[:])
	}
	return out, nil
}

// BlockJSON is the verbose block form.
type BlockJSON struct {
	HeaderJSON
	Size int    `json:"size"`
	Hex  string `json:"hex"`
}

type chainInfo struct {
	Chain         string `json:"chain"`
	Blocks        int64  `json:"blocks"`
	BestBlockHash string `json:"bestblockhash"`
}

// restRoutes registers the read-only resources. They bypass the command
// registry but answer 503 while the node warms up.
func (s *Server) restRoutes(r *mux.Router) {
	sub := r.PathPrefix("/rest").Methods(http.MethodGet).Subrouter()
	sub.Use(s.warmupGate)
	sub.HandleFunc("/chaininfo.json", s.restChainInfo)
	sub.HandleFunc("/block/{hash}.{format}", s.restBlock)
	sub.HandleFunc("/headers/{count:[0-9]+}/{hash}.{format}", s.restHeaders)
}

func (s *Server) warmupGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if warming, status := s.state.Warmup(); warming {
			s.restError(w, r, http.StatusServiceUnavailable, "Service temporarily unavailable: "+status)
			return
		}
		if s.chain.Load() == nil {
			s.restError(w, r, http.StatusServiceUnavailable, "Service temporarily unavailable: Loading block index...")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) restError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	s.observeREST(r, status)
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg + "\r\n"))
}

func (s *Server) observeREST(r *http.Request, status int) {
	if s.rest == nil {
		return
	}
	resource := "unknown"
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			resource = tmpl
		}
	}
	s.rest.ObserveREST(resource, status)
}

func (s *Server) restChainInfo(w http.ResponseWriter, r *http.Request) {
	chain := s.chain.Load()
	height, hash, ok, err := chain.Tip()
	if err != nil {
		s.restError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	info := chainInfo{Chain: s.cfg.Network, Blocks: -1}
	if ok {
		info.Blocks = int64(height) // #nosec G115 -- chain heights are far below 2^63.
		info.BestBlockHash = hex.EncodeToString(hash[:])
	}
	s.observeREST(r, http.StatusOK)
	writeJSON(w, http.StatusOK, info, s.log)
}

func (s *Server) restBlock(w http.ResponseWriter, r *http.Request) {
	chain := s.chain.Load()
	vars := mux.Vars(r)
	hash, err := parseHex32("hash", vars["hash"])
	if err != nil {
		s.restError(w, r, http.StatusBadRequest, "Invalid hash: "+vars["hash"])
		return
	}
	format := vars["format"]
	if !validRESTFormat(format) {
		s.restError(w, r, http.StatusNotFound, "output format not found (available: json, hex, bin)")
		return
	}
	block, err := chain.GetBlockByHash(hash)
	if errors.Is(err, ErrBlockNotFound) {
		s.restError(w, r, http.StatusNotFound, vars["hash"]+" not found")
		return
	}
	if err != nil {
		s.restError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	switch format {
	case "bin":
		s.writeBinary(w, r, block)
	case "hex":
		s.writeHex(w, r, block)
	default:
		header, err := chain.GetHeaderByHash(hash)
		if err != nil {
			s.restError(w, r, http.StatusInternalServerError, err.Error())
			return
		}
		desc, err := DescribeHeader(chain, hash, header)
		if err != nil {
			s.restError(w, r, http.StatusInternalServerError, err.Error())
			return
		}
		s.observeREST(r, http.StatusOK)
		writeJSON(w, http.StatusOK, BlockJSON{HeaderJSON: desc, Size: len(block), Hex: hex.EncodeToString(block)}, s.log)
	}
}

func (s *Server) restHeaders(w http.ResponseWriter, r *http.Request) {
	chain := s.chain.Load()
	vars := mux.Vars(r)
	count, err := strconv.Atoi(vars["count"])
	if err != nil || count < 1 || count > maxRESTHeaders {
		s.restError(w, r, http.StatusBadRequest, "Header count out of range: "+vars["count"])
		return
	}
	hash, err := parseHex32("hash", vars["hash"])
	if err != nil {
		s.restError(w, r, http.StatusBadRequest, "Invalid hash: "+vars["hash"])
		return
	}
	format := vars["format"]
	if !validRESTFormat(format) {
		s.restError(w, r, http.StatusNotFound, "output format not found (available: json, hex, bin)")
		return
	}
	headers, err := chain.HeadersFrom(hash, count)
	if errors.Is(err, ErrBlockNotFound) {
		headers = nil
	} else if err != nil {
		s.restError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	switch format {
	case "bin":
		s.writeBinary(w, r, bytes.Join(headers, nil))
	case "hex":
		s.writeHex(w, r, bytes.Join(headers, nil))
	default:
		out := make([]HeaderJSON, 0, len(headers))
		for _, header := range headers {
			h, _ := BlockHash(header)
			desc, err := DescribeHeader(chain, h, header)
			if err != nil {
				s.restError(w, r, http.StatusInternalServerError, err.Error())
				return
			}
			out = append(out, desc)
		}
		s.observeREST(r, http.StatusOK)
		writeJSON(w, http.StatusOK, out, s.log)
	}
}

func validRESTFormat(f string) bool {
	return f == "json" || f == "hex" || f == "bin"
}

func (s *Server) writeBinary(w http.ResponseWriter, r *http.Request, b []byte) {
	s.observeREST(r, http.StatusOK)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(b); err != nil {
		s.log.Debug("rest write", zap.Error(err))
	}
}

func (s *Server) writeHex(w http.ResponseWriter, r *http.Request, b []byte) {
	s.observeREST(r, http.StatusOK)
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(hex.EncodeToString(b) + "\n"))
}
