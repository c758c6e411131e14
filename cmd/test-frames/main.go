// Command test-frames is a manual test for the controller wire format.
// It prints the USER:/AUTH: payload for a card ID and the 20-byte frames
// that would be written, so firmware output can be compared by eye.
//
// Usage:
//
//	go run ./cmd/test-frames -key 0123456789abcdef [-iv IV] [-card CARD] [-auth]
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/accessms/doorlink/internal/ble/crypto"
	"github.com/accessms/doorlink/internal/ble/protocol"
)

func main() {
	key := flag.String("key", "", "16-byte AES key")
	iv := flag.String("iv", "", "16-byte IV (random if empty)")
	card := flag.String("card", "CARD-20251023-101500", "card ID to encrypt")
	auth := flag.Bool("auth", false, "build an AUTH: message instead of USER:")
	flag.Parse()

	if *iv == "" {
		generated, err := crypto.GenerateIV()
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			os.Exit(1)
		}
		*iv = generated
		fmt.Printf("Generated IV: %s\n", *iv)
		fmt.Printf("  -> %q\n", protocol.IVMessage(*iv)+protocol.Terminator)
	}

	ct, err := crypto.Encrypt(*card, *key, *iv)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	msg := protocol.UserMessage(ct)
	if *auth {
		msg = protocol.AuthMessage(ct)
	}
	fmt.Printf("Message (%d bytes): %s\n", len(msg), msg)

	chunks := protocol.Chunk([]byte(msg), protocol.MTU)
	for i, c := range chunks {
		fmt.Printf("  frame %2d: %q\n", i+1, c)
	}
	fmt.Printf("  frame %2d: %q\n", len(chunks)+1, protocol.Terminator)

	plain, err := crypto.DecryptBase64(ct, *key, *iv)
	if err != nil {
		fmt.Printf("Error: round trip failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\nDecrypts back to %q\n", plain)
}
