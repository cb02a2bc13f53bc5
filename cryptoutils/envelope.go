// Package cryptoutils implements the client-side envelope cryptography used
// around the KEK service. The service itself never decrypts anything; blob
// payloads are sealed here, on the operator's machine, before they are
// uploaded.
package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// GenerateSealingKeyPEM generates a fresh P-256 keypair for receiving sealed
// KEK blobs. The public key is PKIX-encoded, the private key PKCS#8-encoded,
// both as PEM.
func GenerateSealingKeyPEM() (publicKeyPEM, privateKeyPEM []byte, err error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key: %w", err)
	}

	publicKeyBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode public key: %w", err)
	}
	privateKeyBytes, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode private key: %w", err)
	}

	publicKeyPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicKeyBytes})
	privateKeyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privateKeyBytes})
	return publicKeyPEM, privateKeyPEM, nil
}

// SealToPublicKey encrypts plaintext to the holder of the given P-256 public
// key using ECDH key agreement, SHA-256 key derivation and AES-GCM. A fresh
// ephemeral key is generated per call.
//
// Output format: [ephemeral key length (2 bytes)][ephemeral key][nonce][ciphertext]
func SealToPublicKey(publicKeyPEM []byte, plaintext []byte) ([]byte, error) {
	block, _ := pem.Decode(publicKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode public key PEM")
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	ecdsaKey, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("not an ECDSA public key")
	}
	recipient, err := ecdsaKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("unsupported public key: %w", err)
	}

	ephemeral, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	shared, err := ephemeral.ECDH(recipient)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}
	sealingKey := sha256.Sum256(shared)

	aead, err := newGCM(sealingKey[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, nil)
	ephemeralBytes := ephemeral.PublicKey().Bytes()

	sealed := make([]byte, 2, 2+len(ephemeralBytes)+len(nonce)+len(ciphertext))
	binary.BigEndian.PutUint16(sealed[0:2], uint16(len(ephemeralBytes)))
	sealed = append(sealed, ephemeralBytes...)
	sealed = append(sealed, nonce...)
	sealed = append(sealed, ciphertext...)
	return sealed, nil
}

// OpenWithPrivateKey decrypts data produced by SealToPublicKey. The private
// key may be PKCS#8 or SEC1 PEM.
func OpenWithPrivateKey(privateKeyPEM []byte, sealed []byte) ([]byte, error) {
	privateKey, err := parsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}

	if len(sealed) < 2 {
		return nil, errors.New("sealed data too short")
	}
	ephemeralLen := int(binary.BigEndian.Uint16(sealed[0:2]))
	// 12 is the GCM nonce size
	if len(sealed) < 2+ephemeralLen+12 {
		return nil, errors.New("sealed data has invalid format")
	}

	ephemeral, err := ecdh.P256().NewPublicKey(sealed[2 : 2+ephemeralLen])
	if err != nil {
		return nil, fmt.Errorf("invalid ephemeral public key: %w", err)
	}
	shared, err := privateKey.ECDH(ephemeral)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}
	sealingKey := sha256.Sum256(shared)

	aead, err := newGCM(sealingKey[:])
	if err != nil {
		return nil, err
	}

	nonceStart := 2 + ephemeralLen
	nonce := sealed[nonceStart : nonceStart+12]
	ciphertext := sealed[nonceStart+12:]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// DeriveKEK derives deterministic 32-byte KEK material from a passphrase
// using Argon2id. The tenant ID is folded into the salt so identical
// passphrases in different tenants yield different keys.
func DeriveKEK(passphrase []byte, tenantID string) []byte {
	salt := append([]byte("kek-service-tenant-"), []byte(tenantID)...)

	// Parameters: time=1, memory=64*1024, threads=4, keyLen=32
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, 32)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	aesBlock, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(aesBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}

func parsePrivateKey(privateKeyPEM []byte) (*ecdh.PrivateKey, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, errors.New("failed to decode private key PEM")
	}

	var ecdsaKey *ecdsa.PrivateKey
	if parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		var ok bool
		ecdsaKey, ok = parsed.(*ecdsa.PrivateKey)
		if !ok {
			return nil, errors.New("not an ECDSA private key")
		}
	} else if ecKey, secErr := x509.ParseECPrivateKey(block.Bytes); secErr == nil {
		ecdsaKey = ecKey
	} else {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	privateKey, err := ecdsaKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("unsupported private key: %w", err)
	}
	return privateKey, nil
}
