package utils

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

var adjectives = []string{
	"quiet", "narrow", "closed", "sealed", "silent", "strict",
	"cold", "dark", "still", "tight", "blind", "firm",
}

var nouns = []string{
	"gate", "wall", "moat", "fence", "lock", "dam",
	"dike", "shield", "seal", "bar", "hedge", "levee",
}

func randIndex(max int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, err
	}
	return int(n.Int64()), nil
}

// GenerateRandName returns a label such as "quiet-gate-0042", used when
// the operator leaves a flow label empty.
func GenerateRandName() (string, error) {
	ai, err := randIndex(len(adjectives))
	if err != nil {
		return "", err
	}
	ni, err := randIndex(len(nouns))
	if err != nil {
		return "", err
	}
	suffix, err := randIndex(10000)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(
		"%s-%s-%04d",
		adjectives[ai],
		nouns[ni],
		suffix,
	), nil
}
