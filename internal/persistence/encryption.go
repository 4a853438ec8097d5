package persistence

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltLength     = 32
	keyLength      = 32
	kdfIterations  = 100000
	sealedAlgo     = "aes-gcm"
	sealedEnvelope = "infinite-memory-backup"
)

// sealedData is the on-disk envelope for an encrypted backup.
type sealedData struct {
	Envelope  string `json:"envelope"`
	Algorithm string `json:"algorithm"`
	Salt      string `json:"salt"`
	IV        string `json:"iv"`
	Data      string `json:"data"`
}

func deriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, kdfIterations, keyLength, sha256.New)
}

// encrypt seals archive bytes under a passphrase using AES-GCM with a
// per-backup PBKDF2 salt.
func encrypt(plaintext []byte, passphrase string) ([]byte, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	ciphertext := gcm.Seal(nil, iv, plaintext, nil)
	return json.Marshal(&sealedData{
		Envelope:  sealedEnvelope,
		Algorithm: sealedAlgo,
		Salt:      base64.StdEncoding.EncodeToString(salt),
		IV:        base64.StdEncoding.EncodeToString(iv),
		Data:      base64.StdEncoding.EncodeToString(ciphertext),
	})
}

// Decrypt opens a sealed backup produced by encrypt.
func Decrypt(sealed []byte, passphrase string) ([]byte, error) {
	var env sealedData
	if err := json.Unmarshal(sealed, &env); err != nil {
		return nil, fmt.Errorf("invalid sealed backup: %w", err)
	}
	if env.Envelope != sealedEnvelope || env.Algorithm != sealedAlgo {
		return nil, errors.New("unrecognized backup envelope")
	}
	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil {
		return nil, fmt.Errorf("invalid salt: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("invalid IV: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, fmt.Errorf("invalid ciphertext: %w", err)
	}

	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, errors.New("decryption failed: wrong passphrase or corrupted backup")
	}
	return plaintext, nil
}
