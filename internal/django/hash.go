package django

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Parameters of Django's default PBKDF2PasswordHasher. Hashes written here
// verify against the application without a rehash on first login.
const (
	hashAlgorithm  = "pbkdf2_sha256"
	hashIterations = 600000
	saltLength     = 22
	keyLength      = sha256.Size
)

const saltChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// MakePassword encodes a plaintext password in Django's PBKDF2 format:
// pbkdf2_sha256$<iterations>$<salt>$<base64 hash>.
func MakePassword(password string) (string, error) {
	salt, err := randomSalt(saltLength)
	if err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return encodePassword(password, salt, hashIterations), nil
}

// CheckPassword verifies a plaintext password against a Django PBKDF2 hash.
func CheckPassword(password, encoded string) (bool, error) {
	parts := strings.SplitN(encoded, "$", 4)
	if len(parts) != 4 {
		return false, fmt.Errorf("malformed password hash")
	}
	if parts[0] != hashAlgorithm {
		return false, fmt.Errorf("unsupported hash algorithm %q", parts[0])
	}
	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 {
		return false, fmt.Errorf("invalid iteration count %q", parts[1])
	}

	candidate := encodePassword(password, parts[2], iterations)
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(encoded)) == 1, nil
}

func encodePassword(password, salt string, iterations int) string {
	key := pbkdf2.Key([]byte(password), []byte(salt), iterations, keyLength, sha256.New)
	return fmt.Sprintf("%s$%d$%s$%s", hashAlgorithm, iterations, salt, base64.StdEncoding.EncodeToString(key))
}

func randomSalt(n int) (string, error) {
	max := big.NewInt(int64(len(saltChars)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = saltChars[idx.Int64()]
	}
	return string(b), nil
}
