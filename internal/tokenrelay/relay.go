// Package tokenrelay recovers the source-system access credential that travels
// envelope-encrypted in message metadata.
package tokenrelay

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrCredential marks every failure to recover a credential.
var ErrCredential = errors.New("access token")

const keySize = 32

// Envelope is the out-of-band encrypted credential: a KMS-wrapped one-time key and
// the AES payload (16-byte IV prefix followed by CBC ciphertext), both base64.
type Envelope struct {
	WrappedKey string
	Payload    string
}

func (e Envelope) Empty() bool { return e.WrappedKey == "" && e.Payload == "" }

// KeyDecrypter unwraps a one-time symmetric key.
type KeyDecrypter interface {
	DecryptKey(ctx context.Context, wrapped []byte) ([]byte, error)
}

// KeyEncrypter wraps a one-time symmetric key.
type KeyEncrypter interface {
	EncryptKey(ctx context.Context, key []byte) ([]byte, error)
}

// Relay decrypts envelopes.
type Relay struct {
	keys KeyDecrypter
}

func NewRelay(keys KeyDecrypter) *Relay {
	return &Relay{keys: keys}
}

func credentialErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCredential, fmt.Sprintf(format, args...))
}

// Decrypt returns the plaintext credential.
func (r *Relay) Decrypt(ctx context.Context, env Envelope) (string, error) {
	if env.WrappedKey == "" || env.Payload == "" {
		return "", credentialErr("envelope is empty")
	}
	wrapped, err := base64.StdEncoding.DecodeString(env.WrappedKey)
	if err != nil {
		return "", credentialErr("decode wrapped key: %v", err)
	}
	payload, err := base64.StdEncoding.DecodeString(env.Payload)
	if err != nil {
		return "", credentialErr("decode payload: %v", err)
	}
	if len(payload) < 2*aes.BlockSize || len(payload)%aes.BlockSize != 0 {
		return "", credentialErr("payload has invalid length %d", len(payload))
	}

	key, err := r.keys.DecryptKey(ctx, wrapped)
	if err != nil {
		return "", credentialErr("unwrap key: %v", err)
	}
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", credentialErr("symmetric key: %v", err)
	}
	iv, body := payload[:aes.BlockSize], payload[aes.BlockSize:]
	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, body)
	defer clear(plain)

	token, err := unpad(plain)
	if err != nil {
		return "", credentialErr("%v", err)
	}
	if len(token) == 0 {
		return "", credentialErr("credential is empty")
	}
	return string(token), nil
}

// Seal is the producer-side inverse of Decrypt.
func Seal(ctx context.Context, keys KeyEncrypter, token string) (Envelope, error) {
	if token == "" {
		return Envelope{}, credentialErr("credential is empty")
	}
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return Envelope{}, fmt.Errorf("generate key: %w", err)
	}
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return Envelope{}, fmt.Errorf("symmetric key: %w", err)
	}
	plain := pad([]byte(token))
	payload := make([]byte, aes.BlockSize+len(plain))
	iv := payload[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return Envelope{}, fmt.Errorf("generate iv: %w", err)
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(payload[aes.BlockSize:], plain)

	wrapped, err := keys.EncryptKey(ctx, key)
	if err != nil {
		return Envelope{}, fmt.Errorf("wrap key: %w", err)
	}
	return Envelope{
		WrappedKey: base64.StdEncoding.EncodeToString(wrapped),
		Payload:    base64.StdEncoding.EncodeToString(payload),
	}, nil
}

func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, errors.New("empty plaintext")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, errors.New("invalid padding")
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, errors.New("invalid padding")
		}
	}
	return b[:len(b)-n], nil
}
