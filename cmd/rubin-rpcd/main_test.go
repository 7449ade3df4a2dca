package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"rubin.dev/rpcnode/node"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestMultiStringFlagSetAppends(t *testing.T) {
	var m multiStringFlag
	if err := m.Set("a"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := m.Set("b"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got := m.String(); got != "a,b" {
		t.Fatalf("string=%q, want %q", got, "a,b")
	}
}

func TestRunDryRunRedactsPassword(t *testing.T) {
	var out, errOut bytes.Buffer
	code := run([]string{"--dry-run", "--datadir", t.TempDir(), "--rpcuser", "alice", "--rpcpassword", "s3cret", "--log-level", "INFO"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d (stderr=%q)", code, errOut.String())
	}
	if strings.Contains(out.String(), "s3cret") {
		t.Fatalf("password leaked into dry-run output")
	}
	if !strings.Contains(out.String(), "user: alice") || !strings.Contains(out.String(), "log_level: info") {
		t.Fatalf("unexpected dry-run output: %s", out.String())
	}
}

func TestRunInvalidConfigExit2(t *testing.T) {
	cases := [][]string{
		{"--dry-run", "--datadir", t.TempDir()},
		{"--dry-run", "--rpcuser", "u", "--rpcpassword", "p", "--network", "nosuchnet"},
		{"--dry-run", "--rpcuser", "u", "--rpcpassword", "p", "--bind", "nope"},
		{"--no-such-flag"},
		{"--rpcuser", "u", "extra"},
	}
	for _, args := range cases {
		var out, errOut bytes.Buffer
		if code := run(args, &out, &errOut); code != 2 {
			t.Fatalf("%v: expected exit code 2, got %d", args, code)
		}
		if errOut.Len() == 0 {
			t.Fatalf("%v: expected stderr output", args)
		}
	}
}

func TestLoadConfigLayering(t *testing.T) {
	dir := t.TempDir()
	conf := filepath.Join(dir, "rpcd.yaml")
	body := "network: testnet\nuser: fileuser\npassword: filepw\nworkers: 8\nrest: true\n"
	if err := os.WriteFile(conf, []byte(body), 0o600); err != nil {
		t.Fatalf("write conf: %v", err)
	}
	t.Setenv("RUBIN_RPC_WORKERS", "6")
	t.Setenv("RUBIN_RPC_USER", "envuser")

	cfg, dry, err := loadConfig([]string{"--conf", conf, "--rpcuser", "flaguser", "--bind", "127.0.0.1:1,127.0.0.1:2", "--bind", "127.0.0.1:1"}, io.Discard)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if dry {
		t.Fatalf("dry-run not requested")
	}
	if cfg.Network != "testnet" || !cfg.REST || cfg.Password != "filepw" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Workers != 6 {
		t.Fatalf("env should override file: workers=%d", cfg.Workers)
	}
	if cfg.User != "flaguser" {
		t.Fatalf("flag should override env: user=%q", cfg.User)
	}
	if len(cfg.Bind) != 2 || cfg.Bind[0] != "127.0.0.1:1" || cfg.Bind[1] != "127.0.0.1:2" {
		t.Fatalf("unexpected binds: %v", cfg.Bind)
	}
}

var listenRE = regexp.MustCompile(`listening on (\S+)`)

func TestRunServesAndStopsViaRPC(t *testing.T) {
	dir := t.TempDir()
	var out, errOut syncBuffer
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	done := make(chan int, 1)
	go func() {
		done <- runContext(ctx, []string{
			"--datadir", dir, "--network", "regtest",
			"--bind", "127.0.0.1:0", "--rpcuser", "u", "--rpcpassword", "p",
			"--rest", "--log-level", "error",
		}, &out, &errOut)
	}()

	var addr string
	deadline := time.Now().Add(10 * time.Second)
	for addr == "" && time.Now().Before(deadline) {
		select {
		case code := <-done:
			t.Fatalf("daemon exited early with %d: %s", code, errOut.String())
		default:
		}
		if m := listenRE.FindStringSubmatch(out.String()); m != nil {
			addr = m[1]
		}
		time.Sleep(10 * time.Millisecond)
	}
	if addr == "" {
		t.Fatalf("daemon did not report a listen address")
	}

	post := func(body string) (int, string) {
		req, err := http.NewRequest(http.MethodPost, "http://"+addr+"/", strings.NewReader(body))
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		req.SetBasicAuth("u", "p")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(raw)
	}

	// Warmup finishes before the address is printed.
	status, body := post(`{"jsonrpc":"2.0","id":1,"method":"getblockcount"}`)
	if status != http.StatusOK || !strings.Contains(body, `"result":-1`) {
		t.Fatalf("getblockcount: %d %s", status, body)
	}
	status, body = post(`{"id":2,"method":"getwalletinfo"}`)
	if status != http.StatusOK || !strings.Contains(body, `"encrypted":false`) {
		t.Fatalf("getwalletinfo: %d %s", status, body)
	}
	resp, err := http.Get("http://" + addr + "/rest/chaininfo.json")
	if err != nil {
		t.Fatalf("rest: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rest status=%d", resp.StatusCode)
	}

	status, body = post(`{"id":3,"method":"stop"}`)
	if status != http.StatusOK || !strings.Contains(body, "stopping") {
		t.Fatalf("stop: %d %s", status, body)
	}
	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("exit code %d: %s", code, errOut.String())
		}
	case <-time.After(15 * time.Second):
		t.Fatalf("daemon did not stop after the stop command")
	}
	if !strings.Contains(out.String(), "rubin-rpcd stopped") {
		t.Fatalf("missing stop message: %s", out.String())
	}
}

func TestWarmupWindowAnswersInWarmup(t *testing.T) {
	cfg := node.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Network = "regtest"
	cfg.Bind = []string{"127.0.0.1:0"}
	cfg.User, cfg.Password = "u", "p"
	cfg.AuditRetention = 0
	cfg.ShutdownGrace = time.Second

	d, err := start(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.shutdown(cfg.ShutdownGrace)
	if !d.reg.Frozen() {
		t.Fatalf("registry must be frozen before the pool serves")
	}
	addr := d.pool.Addrs()[0].String()

	call := func(method string) (code float64, result any) {
		body := `{"jsonrpc":"2.0","id":1,"method":"` + method + `"}`
		req, err := http.NewRequest(http.MethodPost, "http://"+addr+"/", strings.NewReader(body))
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		req.SetBasicAuth("u", "p")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s: %v", method, err)
		}
		defer resp.Body.Close()
		var reply struct {
			Result any            `json:"result"`
			Error  map[string]any `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
			t.Fatalf("%s: decode: %v", method, err)
		}
		if reply.Error != nil {
			code, _ = reply.Error["code"].(float64)
		}
		return code, reply.Result
	}

	for _, method := range []string{"getblockcount", "getwalletinfo", "walletlock"} {
		if code, _ := call(method); code != -28 {
			t.Fatalf("%s during warmup: code=%v, want -28", method, code)
		}
	}
	if code, _ := call("uptime"); code != 0 {
		t.Fatalf("uptime is exempt from warmup, got code %v", code)
	}

	if err := d.load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	code, result := call("getblockcount")
	if code != 0 || result != float64(-1) {
		t.Fatalf("getblockcount after load: code=%v result=%v", code, result)
	}
}
