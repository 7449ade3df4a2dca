package node

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"rubin.dev/rpcnode/rpc"
)

// Executor runs one named command. *dispatch.Engine implements it.
type Executor interface {
	Execute(ctx context.Context, method string, args rpc.Args) (any, error)
}

type request struct {
	id      json.RawMessage
	method  string
	params  rpc.Args
	version string
}

// replyV1 always carries both result and error, as JSON-RPC 1.0 clients
// expect.
type replyV1 struct {
	Result any             `json:"result"`
	Error  *rpc.Error      `json:"error"`
	ID     json.RawMessage `json:"id"`
}

type replyV2 struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *rpc.Error      `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

var nullID = json.RawMessage("null")

// parseRequest validates one envelope object. The returned id is usable even
// when err is set, so the error reply can echo it.
func parseRequest(obj gjson.Result) (request, *rpc.Error) {
	req := request{id: nullID}
	if !obj.IsObject() {
		return req, rpc.NewError(rpc.ErrInvalidRequest, "Invalid Request object")
	}
	if id := obj.Get("id"); id.Exists() {
		req.id = json.RawMessage(id.Raw)
	}
	if v := obj.Get("jsonrpc"); v.Exists() {
		req.version = v.String()
	}
	method := obj.Get("method")
	if !method.Exists() {
		return req, rpc.NewError(rpc.ErrInvalidRequest, "Missing method")
	}
	if method.Type != gjson.String {
		return req, rpc.NewError(rpc.ErrInvalidRequest, "Method must be a string")
	}
	req.method = method.String()

	params := obj.Get("params")
	switch {
	case !params.Exists() || params.Type == gjson.Null:
	case params.IsArray():
		args, err := decodeArgs(params.Raw)
		if err != nil {
			return req, rpc.NewError(rpc.ErrParse, "Parse error")
		}
		req.params = args
	case params.IsObject():
		return req, rpc.NewError(rpc.ErrInvalidParams, "Named parameters are not supported")
	default:
		return req, rpc.NewError(rpc.ErrInvalidRequest, "Params must be an array")
	}
	return req, nil
}

// decodeArgs keeps numbers as json.Number so integer arguments survive
// without float rounding.
func decodeArgs(raw string) (rpc.Args, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var args []any
	if err := dec.Decode(&args); err != nil {
		return nil, err
	}
	return rpc.Args(args), nil
}

func (s *Server) executeOne(ctx context.Context, req request) (any, *rpc.Error) {
	result, err := s.exec.Execute(ctx, req.method, req.params)
	if err == nil {
		return result, nil
	}
	var rerr *rpc.Error
	if errors.As(err, &rerr) {
		return nil, rerr
	}
	return nil, rpc.NewError(rpc.ErrMisc, err.Error())
}

func makeReply(req request, result any, rerr *rpc.Error) any {
	if req.version == "2.0" {
		r := replyV2{JSONRPC: "2.0", Error: rerr, ID: req.id}
		if rerr == nil {
			if result == nil {
				result = json.RawMessage("null")
			}
			r.Result = result
		}
		return r
	}
	return replyV1{Result: result, Error: rerr, ID: req.id}
}

// statusFor maps a single request's outcome to its HTTP status.
func statusFor(rerr *rpc.Error) int {
	switch {
	case rerr == nil:
		return http.StatusOK
	case rerr.Code == rpc.ErrMethodNotFound:
		return http.StatusNotFound
	case rerr.Code == rpc.ErrInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes+1))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	if int64(len(body)) > s.cfg.MaxBodyBytes {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}
	ctx := r.Context()
	if !gjson.ValidBytes(body) {
		writeJSON(w, http.StatusInternalServerError, replyV1{Error: rpc.NewError(rpc.ErrParse, "Parse error"), ID: nullID}, s.log)
		return
	}
	root := gjson.ParseBytes(body)

	if !root.IsArray() {
		req, rerr := parseRequest(root)
		var result any
		if rerr == nil {
			result, rerr = s.executeOne(ctx, req)
		}
		writeJSON(w, statusFor(rerr), makeReply(req, result, rerr), s.log)
		return
	}

	items := root.Array()
	if len(items) == 0 {
		writeJSON(w, http.StatusBadRequest, replyV1{Error: rpc.NewError(rpc.ErrInvalidRequest, "Empty batch"), ID: nullID}, s.log)
		return
	}
	replies := make([]any, 0, len(items))
	for _, item := range items {
		req, rerr := parseRequest(item)
		var result any
		if rerr == nil {
			result, rerr = s.executeOne(ctx, req)
		}
		replies = append(replies, makeReply(req, result, rerr))
	}
	writeJSON(w, http.StatusOK, replies, s.log)
}

func writeJSON(w http.ResponseWriter, status int, v any, log *zap.Logger) {
	raw, err := json.Marshal(v)
	if err != nil {
		log.Error("encode reply", zap.Error(err))
		status = http.StatusInternalServerError
		raw, _ = json.Marshal(replyV1{Error: rpc.NewError(rpc.ErrInternal, "reply encoding failed"), ID: nullID})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(raw, '\n'))
}
