package main

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"rubin.dev/rpcnode/node"
)

type clientConfig struct {
	Connect     string        `env:"CONNECT" envDefault:"127.0.0.1:19112"`
	User        string        `env:"USER"`
	Password    string        `env:"PASSWORD"`
	TLS         bool          `env:"CLIENT_TLS"`
	Insecure    bool          `env:"CLIENT_TLS_INSECURE"`
	Timeout     time.Duration `env:"CLIENT_TIMEOUT" envDefault:"900s"`
	maxResponse int64
}

type request struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg := clientConfig{maxResponse: 64 << 20}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: node.EnvPrefix}); err != nil {
		_, _ = fmt.Fprintf(stderr, "environment: %v\n", err)
		return 2
	}

	fs := flag.NewFlagSet("rubin-cli", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.Connect, "rpcconnect", cfg.Connect, "server host:port")
	fs.StringVar(&cfg.User, "rpcuser", cfg.User, "RPC basic auth user")
	fs.StringVar(&cfg.Password, "rpcpassword", cfg.Password, "RPC basic auth password")
	fs.BoolVar(&cfg.TLS, "rpctls", cfg.TLS, "connect over TLS")
	fs.BoolVar(&cfg.Insecure, "rpctls-insecure", cfg.Insecure, "skip server certificate verification")
	fs.DurationVar(&cfg.Timeout, "rpcclienttimeout", cfg.Timeout, "request timeout, 0 for none")
	fs.Usage = func() {
		_, _ = fmt.Fprintln(stderr, "usage: rubin-cli [flags] method [args...]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	body, err := encodeRequest(fs.Arg(0), fs.Args()[1:])
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "error: %v\n", err)
		return 2
	}
	reply, status, err := post(cfg, body)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "error: could not connect to the server %s: %v\n", cfg.Connect, err)
		return 1
	}
	return printReply(reply, status, stdout, stderr)
}

// encodeRequest builds a JSON-RPC 1.0 call. Each argument that is valid JSON
// is sent as-is; anything else is sent as a string.
func encodeRequest(method string, args []string) ([]byte, error) {
	params := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		if json.Valid([]byte(a)) {
			params = append(params, json.RawMessage(a))
			continue
		}
		quoted, err := json.Marshal(a)
		if err != nil {
			return nil, err
		}
		params = append(params, quoted)
	}
	return json.Marshal(request{JSONRPC: "1.0", ID: uuid.NewString(), Method: method, Params: params})
}

func post(cfg clientConfig, body []byte) ([]byte, int, error) {
	scheme := "http"
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLS {
		scheme = "https"
		transport.TLSClientConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.Insecure, // #nosec G402 -- opt-in for self-signed node certificates.
		}
	}
	client := &http.Client{Transport: transport, Timeout: cfg.Timeout}
	req, err := http.NewRequest(http.MethodPost, scheme+"://"+cfg.Connect+"/", bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(cfg.User, cfg.Password)
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, cfg.maxResponse))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return raw, resp.StatusCode, nil
}

func printReply(reply []byte, status int, stdout, stderr io.Writer) int {
	if status == http.StatusUnauthorized {
		_, _ = fmt.Fprintln(stderr, "error: incorrect rpcuser or rpcpassword (authorization failed)")
		return 1
	}
	if !gjson.ValidBytes(reply) {
		_, _ = fmt.Fprintf(stderr, "error: server returned HTTP %d with a non-JSON body\n", status)
		return 1
	}
	root := gjson.ParseBytes(reply)
	if e := root.Get("error"); e.Exists() && e.Type != gjson.Null {
		_, _ = fmt.Fprintf(stderr, "error code: %d\nerror message:\n%s\n", e.Get("code").Int(), e.Get("message").String())
		return 1
	}
	result := root.Get("result")
	switch result.Type {
	case gjson.Null:
	case gjson.String:
		_, _ = fmt.Fprintln(stdout, result.String())
	default:
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, []byte(result.Raw), "", "  "); err != nil {
			_, _ = fmt.Fprintln(stdout, result.Raw)
			return 0
		}
		_, _ = fmt.Fprintln(stdout, pretty.String())
	}
	return 0
}
