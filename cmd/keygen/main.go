package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"gatekeeper/internal/crypto"
)

// Generates the secrets a deployment needs. Tokens are HMAC-SHA256 signed,
// so a 48-byte random signing secret gives more entropy than the hash can
// use; the MFA key is a 32-byte AES-256 key for TOTP seeds at rest.
func main() {
	buf := make([]byte, 48)
	if _, err := rand.Read(buf); err != nil {
		fmt.Fprintf(os.Stderr, "keygen: %v\n", err)
		os.Exit(1)
	}

	mfaKey, err := crypto.GenerateKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "keygen: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("--- COPY BELOW TO .env.local ---")
	fmt.Printf("TOKEN_SIGNING_SECRET=%s\n", hex.EncodeToString(buf))
	fmt.Printf("MFA_SECRET_KEY=%s\n", mfaKey)
	fmt.Println("--------------------------------")
}
