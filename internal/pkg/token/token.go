package token

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

// NumericCode returns a uniformly random code of n decimal digits,
// left-padded with zeros ("004219").
func NumericCode(n int) (string, error) {
	if n <= 0 || n > 18 {
		return "", errors.New("code length must be between 1 and 18")
	}
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
	v, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", n, v.Int64()), nil
}
