//go:build ignore

// Prints a signed session token for driving load against a locally
// running bridge:
//
//	go run tests/load/gen-token.go
//	JWT_SECRET=... SCOPE=bridge:admin go run tests/load/gen-token.go
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func main() {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "integration-test-secret-key-32chars!!"
	}
	scope := os.Getenv("SCOPE")
	if scope == "" {
		scope = "bridge:session"
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "loadtest-client",
		"iss":   "https://auth.example.com",
		"aud":   "ble-bridge",
		"iat":   time.Now().Unix(),
		"exp":   time.Now().Add(2 * time.Hour).Unix(),
		"scope": scope,
	})
	s, err := token.SignedString([]byte(secret))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(s)
}
