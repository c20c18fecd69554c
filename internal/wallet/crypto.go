package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"unicode"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for seed encryption.
const (
	argon2Time        = 3
	argon2Memory      = 64 * 1024
	argon2Parallelism = 4
	argon2KeyLen      = 32
	argon2SaltLen     = 32
)

// Password limits.
const (
	MinPasswordLength = 8
	MaxPasswordLength = 256
)

// EncryptedSeed is an encrypted mnemonic as stored on disk.
type EncryptedSeed struct {
	Version     int    `json:"version"`
	Ciphertext  []byte `json:"ciphertext"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Time        uint32 `json:"time"`
	Memory      uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
}

func seedCipher(password string, salt []byte, time, memory uint32, parallelism uint8) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(password), salt, time, memory, parallelism, argon2KeyLen)
	defer SecureClear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// EncryptMnemonic encrypts a mnemonic using Argon2id and AES-256-GCM.
func EncryptMnemonic(mnemonic, password string) (*EncryptedSeed, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, fmt.Errorf("invalid password: %w", err)
	}
	if !ValidateMnemonic(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}

	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := seedCipher(password, salt, argon2Time, argon2Memory, argon2Parallelism)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return &EncryptedSeed{
		Version:     1,
		Ciphertext:  gcm.Seal(nil, nonce, []byte(mnemonic), nil),
		Salt:        salt,
		Nonce:       nonce,
		Time:        argon2Time,
		Memory:      argon2Memory,
		Parallelism: argon2Parallelism,
	}, nil
}

// DecryptMnemonic decrypts an encrypted seed. Missing KDF parameters fall
// back to the current defaults.
func DecryptMnemonic(encrypted *EncryptedSeed, password string) (string, error) {
	time, memory, parallelism := encrypted.Time, encrypted.Memory, encrypted.Parallelism
	if time == 0 {
		time = argon2Time
	}
	if memory == 0 {
		memory = argon2Memory
	}
	if parallelism == 0 {
		parallelism = argon2Parallelism
	}

	gcm, err := seedCipher(password, encrypted.Salt, time, memory, parallelism)
	if err != nil {
		return "", err
	}

	plaintext, err := gcm.Open(nil, encrypted.Nonce, encrypted.Ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt (wrong password?): %w", err)
	}
	defer SecureClear(plaintext)

	return string(plaintext), nil
}

// SaveEncryptedSeed writes an encrypted seed to path with owner-only permissions.
func SaveEncryptedSeed(encrypted *EncryptedSeed, path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	data, err := json.Marshal(encrypted)
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// LoadEncryptedSeed reads an encrypted seed from path.
func LoadEncryptedSeed(path string) (*EncryptedSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	var encrypted EncryptedSeed
	if err := json.Unmarshal(data, &encrypted); err != nil {
		return nil, fmt.Errorf("failed to unmarshal: %w", err)
	}
	return &encrypted, nil
}

// SecureClear overwrites a byte slice with zeros.
func SecureClear(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// ValidatePassword requires MinPasswordLength characters and at least three
// of the four character classes.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	if len(password) > MaxPasswordLength {
		return fmt.Errorf("password must be at most %d characters", MaxPasswordLength)
	}

	var classes [4]bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			classes[0] = true
		case unicode.IsLower(r):
			classes[1] = true
		case unicode.IsNumber(r):
			classes[2] = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			classes[3] = true
		}
	}
	n := 0
	for _, ok := range classes {
		if ok {
			n++
		}
	}
	if n < 3 {
		return fmt.Errorf("password must contain at least 3 of: uppercase, lowercase, number, special character")
	}
	return nil
}
