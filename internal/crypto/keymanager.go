// Package crypto holds the local transaction signer, the encrypted key-file
// format it loads keys from, and HMAC request authentication for the API.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/alanyoungcy/sentinel/internal/config"
)

const (
	pbkdf2Iterations = 480_000
	saltLen          = 16
	aesKeyLen        = 32
	keyFileVersion   = 1
)

// keyFile is the on-disk format of an encrypted signing key. Binary fields
// are base64 standard encoded.
type keyFile struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// ErrNoKey is returned by LoadKey when neither a raw key nor a key file is
// configured.
var ErrNoKey = errors.New("crypto: no signing key configured")

// EncryptKey seals a hex-encoded 32-byte private key under password with
// PBKDF2-SHA256 and AES-256-GCM and returns the key-file JSON.
func EncryptKey(privateKeyHex, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	key, err := decodeKey(privateKeyHex)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}
	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	return json.MarshalIndent(keyFile{
		Version:    keyFileVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, key, nil)),
	}, "", "  ")
}

// DecryptKey opens a key file produced by EncryptKey and returns the private
// key hex encoded, without 0x prefix.
func DecryptKey(data []byte, password string) (string, error) {
	if password == "" {
		return "", errors.New("crypto: password must not be empty")
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return "", fmt.Errorf("crypto: parsing key file: %w", err)
	}
	if kf.Version != keyFileVersion {
		return "", fmt.Errorf("crypto: unsupported key file version %d", kf.Version)
	}

	var salt, nonce, ciphertext []byte
	for _, f := range []struct {
		name string
		in   string
		out  *[]byte
	}{
		{"salt", kf.Salt, &salt},
		{"nonce", kf.Nonce, &nonce},
		{"ciphertext", kf.Ciphertext, &ciphertext},
	} {
		b, err := base64.StdEncoding.DecodeString(f.in)
		if err != nil {
			return "", fmt.Errorf("crypto: decoding %s: %w", f.name, err)
		}
		*f.out = b
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return "", err
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: decryption failed (wrong password?): %w", err)
	}
	return hex.EncodeToString(plain), nil
}

// LoadKey resolves the signing key from the [wallet] config section: the raw
// private_key wins, then encrypted_key_path decrypted with key_password.
func LoadKey(cfg config.WalletConfig) (string, error) {
	if cfg.PrivateKey != "" {
		k := strings.TrimPrefix(cfg.PrivateKey, "0x")
		if _, err := hex.DecodeString(k); err != nil {
			return "", fmt.Errorf("crypto: wallet.private_key is not valid hex: %w", err)
		}
		return k, nil
	}
	if cfg.EncryptedKeyPath != "" {
		data, err := os.ReadFile(cfg.EncryptedKeyPath)
		if err != nil {
			return "", fmt.Errorf("crypto: reading key file: %w", err)
		}
		return DecryptKey(data, cfg.KeyPassword)
	}
	return "", ErrNoKey
}

// SignerFromConfig loads the key and builds a KeySigner for cfg.Address.
func SignerFromConfig(cfg config.WalletConfig) (*KeySigner, error) {
	key, err := LoadKey(cfg)
	if err != nil {
		return nil, err
	}
	return NewKeySigner(key, cfg.Address)
}

func decodeKey(privateKeyHex string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid private key hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("crypto: expected 32-byte key, got %d bytes", len(key))
	}
	return key, nil
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	derived := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return gcm, nil
}
