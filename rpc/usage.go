package rpc

import "fmt"

// HelpExampleCli formats a command-line invocation for usage text.
func HelpExampleCli(method, args string) string {
	if args == "" {
		return fmt.Sprintf("> rubin-cli %s\n", method)
	}
	return fmt.Sprintf("> rubin-cli %s %s\n", method, args)
}

// HelpExampleRPC formats a raw JSON-RPC call for usage text.
func HelpExampleRPC(method, args string) string {
	return fmt.Sprintf("> curl --user myusername --data-binary '{\"jsonrpc\": \"1.0\", \"id\":\"curltest\", "+
		"\"method\": \"%s\", \"params\": [%s] }' -H 'content-type: text/plain;' http://127.0.0.1:8332/\n", method, args)
}

// HelpRequiringPassphrase is appended to the usage of commands that need an
// unlocked wallet.
func HelpRequiringPassphrase(encrypted bool) string {
	if !encrypted {
		return ""
	}
	return "\nRequires wallet passphrase to be set with walletpassphrase call."
}
