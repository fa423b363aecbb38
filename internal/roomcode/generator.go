// Package roomcode draws short shareable room codes.
package roomcode

//go:generate mockgen -source=generator.go -destination=lookup_mock_test.go -package=roomcode

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/quizroom/internal/domain"
)

const DefaultMaxAttempts = 10

// CodeLookup answers whether a code is taken within a version.
type CodeLookup interface {
	CodeExists(ctx context.Context, code domain.RoomCode, version domain.VersionTag) (bool, error)
}

type Generator struct {
	lookup      CodeLookup
	maxAttempts int
	source      io.Reader
}

func NewGenerator(lookup CodeLookup, maxAttempts int) *Generator {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Generator{lookup: lookup, maxAttempts: maxAttempts, source: rand.Reader}
}

func (g *Generator) MaxAttempts() int { return g.maxAttempts }

// Draw returns one random candidate without checking it.
func (g *Generator) Draw() (domain.RoomCode, error) {
	var buf [domain.RoomCodeLen]byte
	if _, err := io.ReadFull(g.source, buf[:]); err != nil {
		return "", fmt.Errorf("roomcode: read random: %w", err)
	}
	n := byte(len(domain.RoomCodeAlphabet))
	out := make([]byte, domain.RoomCodeLen)
	for i, b := range buf {
		// alphabet length divides 256, so the modulo is unbiased
		out[i] = domain.RoomCodeAlphabet[b%n]
	}
	return domain.RoomCode(out), nil
}

// Generate returns a code not yet used for version. The check is advisory:
// a concurrent creator can still take the code before it is written.
func (g *Generator) Generate(ctx context.Context, version domain.VersionTag) (domain.RoomCode, error) {
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		code, err := g.Draw()
		if err != nil {
			return "", err
		}
		taken, err := g.lookup.CodeExists(ctx, code, version)
		if err != nil {
			return "", fmt.Errorf("roomcode: lookup %s: %w", code, err)
		}
		if !taken {
			return code, nil
		}
		log.Debug().Str("module", "roomcode").Str("code", string(code)).Int("attempt", attempt).Msg("code collision")
	}
	log.Warn().Str("module", "roomcode").Int("attempts", g.maxAttempts).Msg("room code space exhausted")
	return "", &domain.ExhaustedError{Attempts: g.maxAttempts}
}
