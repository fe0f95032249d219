// dwh-token generates local development credentials for the query
// executor: a fresh 32-byte hex encryption key and an HMAC-signed bearer
// token for exercising the API.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func must(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}

func main() {
	secret := flag.String("secret", "", "JWT HMAC secret (DWH_QUERY_EXECUTOR_JWT_SECRET)")
	identity := flag.String("identity", "dev", "identity_id claim")
	super := flag.Bool("superuser", false, "set the is_superuser claim")
	expSecs := flag.Int("exp-secs", 3600, "token expiry in seconds")
	keyOnly := flag.Bool("key-only", false, "print a fresh encryption key and exit")
	flag.Parse()

	key := make([]byte, 32)
	_, err := rand.Read(key)
	must(err)
	fmt.Printf("encryption key: %s\n", hex.EncodeToString(key))
	if *keyOnly {
		return
	}

	if *secret == "" {
		fmt.Fprintln(os.Stderr, "error: -secret is required for token generation")
		os.Exit(2)
	}

	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"identity_id":  *identity,
		"is_superuser": *super,
		"iat":          now.Unix(),
		"exp":          now.Add(time.Duration(*expSecs) * time.Second).Unix(),
	})
	signed, err := tok.SignedString([]byte(*secret))
	must(err)
	fmt.Printf("bearer token: %s\n", signed)
}
