// Command sealsecret encrypts a secret (API key, webhook signing secret) into
// the sealed file format that chainrecon opens at startup.
//
//	printf '%s' "$WEBHOOK_SECRET" | CHAINRECON_SECRETS_PASSWORD=... sealsecret -out webhook.sealed
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/alanyoungcy/chainrecon/internal/crypto"
	"github.com/alanyoungcy/chainrecon/internal/logging"
)

const passwordEnv = "CHAINRECON_SECRETS_PASSWORD"

func main() {
	out := flag.String("out", "", "file to write the sealed secret to (required)")
	verify := flag.Bool("verify", false, "open -out with the password instead of sealing")
	flag.Parse()

	logger, _ := logging.New(logging.Config{Level: "info"})

	_ = godotenv.Load()
	password := os.Getenv(passwordEnv)
	if password == "" || *out == "" {
		fmt.Fprintf(os.Stderr, "usage: %s=<password> sealsecret -out <file> < secret\n", passwordEnv)
		os.Exit(2)
	}

	if *verify {
		data, err := os.ReadFile(*out)
		if err != nil {
			logger.Error("read sealed file", slog.String("path", *out), slog.String("error", err.Error()))
			os.Exit(1)
		}
		if _, err := crypto.Open(data, password); err != nil {
			logger.Error("open sealed file", slog.String("path", *out), slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("sealed file opens", slog.String("path", *out))
		return
	}

	secret, err := io.ReadAll(io.LimitReader(os.Stdin, 64<<10))
	if err != nil {
		logger.Error("read secret", slog.String("error", err.Error()))
		os.Exit(1)
	}
	secret = bytes.TrimSpace(secret)

	sealed, err := crypto.Seal(secret, password)
	if err != nil {
		logger.Error("seal secret", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := os.WriteFile(*out, sealed, 0o600); err != nil {
		logger.Error("write sealed file", slog.String("path", *out), slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("secret sealed", slog.String("path", *out), slog.Int("bytes", len(secret)))
}
