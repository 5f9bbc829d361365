// Command genkey generates a raw operator API key for bootstrapping a
// Tsumugi deployment.
//
// Usage (run from the repo root):
//
//	go run ./scripts/genkey
//
// Prints the raw key once. Set it as TSUMUGI_OPERATOR_API_KEY before the
// first server start; the server seeds a control-plane tenant holding the
// key (hashed) on boot. The raw key is not recoverable afterwards — only
// its hash is stored. Operators use the key at POST /auth/token to mint
// tokens for tenant and key management.
//
// Safe to run again for rotation: seeding a new key leaves the old one
// valid until it is revoked via DELETE /v1/tenants/{id}/keys/{key_id}.
package main

import (
	"fmt"
	"os"

	"github.com/ashita-ai/tsumugi/internal/model"
)

func main() {
	rawKey, prefix, err := model.GenerateRawKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: generate key: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("operator API key (shown once, store it now):\n\n")
	fmt.Printf("  %s\n\n", rawKey)
	fmt.Printf("prefix (identifies the key in listings): %s\n\n", prefix)
	fmt.Printf("to seed it on the next server start:\n\n")
	fmt.Printf("  export TSUMUGI_OPERATOR_API_KEY=%s\n", rawKey)
}
