package features

import (
	"math"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/text/unicode/norm"
)

// HashTextEncoding is the name of the built-in text strategy. An empty
// encoding name in a schema also selects it.
const HashTextEncoding = "xxhash64"

// TextEncoder maps a text value to the single slot a text feature occupies.
// Implementations must be deterministic and safe for concurrent use.
type TextEncoder interface {
	EncodeText(s string) float64
}

type TextEncoderFunc func(string) float64

func (f TextEncoderFunc) EncodeText(s string) float64 {
	return f(s)
}

// HashTextEncoder hashes NFKC-normalised text with xxhash64 and scales the
// top 53 bits into [0, 1).
type HashTextEncoder struct{}

func (HashTextEncoder) EncodeText(s string) float64 {
	h := xxhash.Sum64String(norm.NFKC.String(s))
	return float64(h>>11) / (1 << 53)
}

func defaultTextEncoders() map[string]TextEncoder {
	return map[string]TextEncoder{
		HashTextEncoding: HashTextEncoder{},
	}
}

// notNaN keeps custom encoders from leaking NaN into the vector.
func notNaN(f float64) float64 {
	if math.IsNaN(f) {
		return 0
	}
	return f
}
