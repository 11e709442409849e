package directory

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/jason-s-yu/arena/internal/models"
)

// CodeLength is the fixed length of a room code.
const CodeLength = 6

// codeCharset omits I, O, 0 and 1, which players misread when typing codes.
const codeCharset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// GenerateCode returns a random room code.
func GenerateCode() (string, error) {
	code := make([]byte, CodeLength)
	for i := range code {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeCharset))))
		if err != nil {
			return "", err
		}
		code[i] = codeCharset[num.Int64()]
	}
	return string(code), nil
}

// NormalizeCode trims and upper-cases a typed code and checks its shape.
func NormalizeCode(raw string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if len(code) != CodeLength {
		return "", fmt.Errorf("room code must be %d characters: %w", CodeLength, models.ErrValidation)
	}
	for _, c := range code {
		if !strings.ContainsRune(codeCharset, c) {
			return "", fmt.Errorf("room code contains %q: %w", c, models.ErrValidation)
		}
	}
	return code, nil
}
