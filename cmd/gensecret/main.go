package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

const SecretKeyBytesLen = 32

// Print fresh secrets in .env format
var secretKeys = []string{
	"ACCESS_TOKEN_SECRET",
	"REFRESH_TOKEN_SECRET",
	"REFRESH_TOKEN_PASSPHRASE",
	"REFRESH_TOKEN_SALT",
}

func main() {
	for _, key := range secretKeys {
		secret, err := generate(SecretKeyBytesLen)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error while generating secret key: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s=%s\n", key, secret)
	}
}

func generate(n int) (string, error) {
	b := make([]byte, n)

	_, err := rand.Read(b)
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}
