// genkey generates an HMAC secret for kansoku JWT signing.
//
// Usage (run from the repo root):
//
//	go run scripts/genkey/main.go
//
// Appends KANSOKU_JWT_SECRET to .env, which the server loads at startup.
//
// The server generates an ephemeral secret when KANSOKU_JWT_SECRET is unset,
// but it is discarded on every restart, invalidating all issued tokens and
// live event streams. A persistent secret prevents that.
package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
)

const (
	envPath = ".env"
	envKey  = "KANSOKU_JWT_SECRET"
)

func main() {
	// Refuse to overwrite an existing secret; rotating it logs everyone out.
	if f, err := os.Open(envPath); err == nil {
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			if strings.HasPrefix(strings.TrimSpace(sc.Text()), envKey+"=") {
				_ = f.Close()
				fmt.Fprintf(os.Stderr, "error: %s already sets %s; remove the line first to rotate it\n", envPath, envKey)
				os.Exit(1)
			}
		}
		_ = f.Close()
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		fmt.Fprintf(os.Stderr, "error: generate secret: %v\n", err)
		os.Exit(1)
	}
	secret := base64.RawURLEncoding.EncodeToString(buf)

	f, err := os.OpenFile(envPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: open %s: %v\n", envPath, err)
		os.Exit(1)
	}
	if _, err := fmt.Fprintf(f, "%s=%s\n", envKey, secret); err != nil {
		_ = f.Close()
		fmt.Fprintf(os.Stderr, "error: write %s: %v\n", envPath, err)
		os.Exit(1)
	}
	if err := f.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "error: close %s: %v\n", envPath, err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s to %s\n", envKey, envPath)
}
