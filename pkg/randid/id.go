// Package randid provides random ID generation utilities.
package randid

import (
	"crypto/rand"
	mrand "math/rand/v2"

	"github.com/eknkc/basex"
	"github.com/google/uuid"
)

const (
	alphanumeric = "abcdefghijklmnopqrstuvwxyz0123456789"
	digits       = "0123456789"

	// Base62Alphabet is the alphabet used by Base62.
	Base62Alphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

var base62 *basex.Encoding

func init() {
	enc, err := basex.NewEncoding(Base62Alphabet)
	if err != nil {
		panic("randid: unable to initialize base62 encoder")
	}
	base62 = enc
}

// Generate creates a random alphanumeric ID of the specified length.
func Generate(length int) string {
	return fromAlphabet(alphanumeric, length)
}

// Numeric creates a random string of decimal digits of the specified length.
func Numeric(length int) string {
	return fromAlphabet(digits, length)
}

// Base62 encodes size random bytes in base62. The result has no fixed
// length; 16 bytes give at most 22 characters.
func Base62(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base62.Encode(b), nil
}

// UUID returns a random version 4 UUID string.
func UUID() string {
	return uuid.New().String()
}

func fromAlphabet(chars string, length int) string {
	b := make([]byte, length)
	for i := range b {
		b[i] = chars[mrand.IntN(len(chars))]
	}
	return string(b)
}
