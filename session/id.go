package session

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// IdGenerator produces session ids. Returned values must be non empty and
// usable as an HTTP header value.
type IdGenerator func() string

// GenerateId returns a URL safe random 128 bit id.
func GenerateId() string {
	return uuid.New().String()
}

// NewId invokes generator and falls back to GenerateId with a warning when the
// generator is nil or returns an unusable value.
func NewId(generator IdGenerator, logger zerolog.Logger) string {
	if generator != nil {
		id := generator()
		if validId(id) {
			return id
		}
		logger.Warn().Str("id", id).Msg("session id generator returned an unusable value, falling back to random id")
	}
	return GenerateId()
}

func validId(id string) bool {
	if id == "" {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] <= 0x20 || id[i] >= 0x7f {
			return false
		}
	}
	return true
}
