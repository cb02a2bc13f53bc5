package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/hashicorp/vault/shamir"
	"github.com/quorumkey/kek-service-backend/cryptoutils"
	"github.com/urfave/cli/v2"
	"golang.org/x/crypto/nacl/box"
)

// Share math runs entirely client-side. The service only ever sees the
// sealed ciphertexts produced here; it cannot reconstruct the secret.

func shareCommand() *cli.Command {
	return &cli.Command{
		Name:  "share",
		Usage: "Client-side Shamir share math and share sealing",
		Subcommands: []*cli.Command{
			{
				Name:  "keygen",
				Usage: "Generate a keypair for receiving sealed shares",
				Action: func(cCtx *cli.Context) error {
					pub, priv, err := box.GenerateKey(rand.Reader)
					if err != nil {
						return err
					}
					return printJSON(map[string]string{
						"publicKey":  base64.StdEncoding.EncodeToString(pub[:]),
						"privateKey": base64.StdEncoding.EncodeToString(priv[:]),
					})
				},
			},
			{
				Name:  "split",
				Usage: "Split a secret into Shamir shares, optionally sealing each to a holder",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "secret", Usage: "base64 secret to split"},
					&cli.StringFlag{Name: "passphrase", Usage: "derive the secret from a passphrase instead of --secret"},
					&cli.IntFlag{Name: "threshold", Required: true, Usage: "shares required to reconstruct"},
					&cli.IntFlag{Name: "shares", Required: true, Usage: "total shares to produce"},
					&cli.StringSliceFlag{Name: "holder-pubkey", Usage: "base64 holder public keys, one per share; omit for raw shares"},
				},
				Action: runSplit,
			},
			{
				Name:  "combine",
				Usage: "Reconstruct a secret from shares",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "share", Required: true, Usage: "base64 shares, threshold-many"},
					&cli.StringFlag{Name: "private-key", Usage: "base64 private key to unseal sealed shares"},
					&cli.StringFlag{Name: "public-key", Usage: "base64 public key matching --private-key"},
				},
				Action: runCombine,
			},
		},
	}
}

func runSplit(cCtx *cli.Context) error {
	var secret []byte
	switch {
	case cCtx.String("secret") != "" && cCtx.String("passphrase") != "":
		return fmt.Errorf("--secret and --passphrase are mutually exclusive")
	case cCtx.String("passphrase") != "":
		secret = cryptoutils.DeriveKEK([]byte(cCtx.String("passphrase")), cCtx.String(tenantFlag.Name))
	case cCtx.String("secret") != "":
		var err error
		secret, err = base64.StdEncoding.DecodeString(cCtx.String("secret"))
		if err != nil {
			return fmt.Errorf("invalid secret encoding: %w", err)
		}
	default:
		return fmt.Errorf("either --secret or --passphrase is required")
	}
	total := cCtx.Int("shares")
	threshold := cCtx.Int("threshold")

	shares, err := shamir.Split(secret, total, threshold)
	if err != nil {
		return fmt.Errorf("splitting secret: %w", err)
	}

	holderKeys := cCtx.StringSlice("holder-pubkey")
	if len(holderKeys) > 0 && len(holderKeys) != total {
		return fmt.Errorf("expected %d holder public keys, got %d", total, len(holderKeys))
	}

	out := make([]map[string]string, 0, len(shares))
	for i, share := range shares {
		entry := map[string]string{"index": fmt.Sprintf("%d", i+1)}
		if len(holderKeys) == 0 {
			entry["share"] = base64.StdEncoding.EncodeToString(share)
		} else {
			pub, err := decodeKey(holderKeys[i])
			if err != nil {
				return fmt.Errorf("holder key %d: %w", i+1, err)
			}
			sealed, err := box.SealAnonymous(nil, share, pub, rand.Reader)
			if err != nil {
				return fmt.Errorf("sealing share %d: %w", i+1, err)
			}
			entry["sealedShare"] = base64.StdEncoding.EncodeToString(sealed)
		}
		out = append(out, entry)
	}
	return printJSON(out)
}

func runCombine(cCtx *cli.Context) error {
	privEncoded := cCtx.String("private-key")

	var pub, priv *[32]byte
	if privEncoded != "" {
		var err error
		priv, err = decodeKey(privEncoded)
		if err != nil {
			return fmt.Errorf("private key: %w", err)
		}
		pub, err = decodeKey(cCtx.String("public-key"))
		if err != nil {
			return fmt.Errorf("public key: %w", err)
		}
	}

	var shares [][]byte
	for i, encoded := range cCtx.StringSlice("share") {
		share, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return fmt.Errorf("share %d: invalid encoding: %w", i+1, err)
		}
		if priv != nil {
			opened, ok := box.OpenAnonymous(nil, share, pub, priv)
			if !ok {
				return fmt.Errorf("share %d: unsealing failed", i+1)
			}
			share = opened
		}
		shares = append(shares, share)
	}

	secret, err := shamir.Combine(shares)
	if err != nil {
		return fmt.Errorf("combining shares: %w", err)
	}
	return printJSON(map[string]string{"secret": base64.StdEncoding.EncodeToString(secret)})
}

func decodeKey(encoded string) (*[32]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid encoding: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}
