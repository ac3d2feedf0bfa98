// Package refcode generates referral codes.
package refcode

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

const (
	// CodeBytes is the random width of a normal code (8 hex chars)
	CodeBytes = 4
	// FallbackBytes is the width used once every attempt collided (12 hex chars)
	FallbackBytes = 6
	// MaxAttempts bounds the uniqueness retries
	MaxAttempts = 10
)

// ExistsFunc reports whether a code is already assigned
type ExistsFunc func(ctx context.Context, code string) (bool, error)

// Generator draws random codes and checks them for uniqueness
type Generator struct {
	random io.Reader
}

// NewGenerator creates a generator reading from crypto/rand
func NewGenerator() *Generator {
	return &Generator{random: rand.Reader}
}

// NewGeneratorWithReader creates a generator with an explicit entropy source
func NewGeneratorWithReader(r io.Reader) *Generator {
	return &Generator{random: r}
}

// Generate returns a code for which exists reports false. After MaxAttempts
// collisions it returns a wider code without checking it.
func (g *Generator) Generate(ctx context.Context, exists ExistsFunc) (string, error) {
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		code, err := g.draw(CodeBytes)
		if err != nil {
			return "", err
		}

		taken, err := exists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("check referral code: %w", err)
		}
		if !taken {
			return code, nil
		}
	}

	return g.draw(FallbackBytes)
}

// Token returns n random bytes as lower-case hex
func (g *Generator) Token(n int) (string, error) {
	code, err := g.draw(n)
	return strings.ToLower(code), err
}

func (g *Generator) draw(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(g.random, buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(buf)), nil
}
