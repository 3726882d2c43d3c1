package render

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/ignite/coldreach/internal/domain"
)

// Roll maps a key to a stable value in [0, 1). Previews use it so the same
// recipient always lands on the same variant.
func Roll(key string) float64 {
	h := sha256.Sum256([]byte(key))
	return float64(binary.BigEndian.Uint64(h[:8])>>11) / float64(1<<53)
}

// SelectVariant picks the variant for one send. A locked winner always wins;
// otherwise roll in [0, 1) walks the cumulative weights. Non-positive
// weights count as one. Returns nil when there are no variants.
func SelectVariant(variants []domain.ABVariant, winnerID string, roll float64) *domain.ABVariant {
	if len(variants) == 0 {
		return nil
	}
	if winnerID != "" {
		for i := range variants {
			if variants[i].ID == winnerID {
				return &variants[i]
			}
		}
	}

	total := 0
	for _, v := range variants {
		total += weight(v)
	}
	target := roll * float64(total)
	acc := 0.0
	for i := range variants {
		acc += float64(weight(variants[i]))
		if target < acc {
			return &variants[i]
		}
	}
	return &variants[len(variants)-1]
}

func weight(v domain.ABVariant) int {
	if v.Weight <= 0 {
		return 1
	}
	return v.Weight
}
