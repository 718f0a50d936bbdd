package types

import (
	"github.com/dchest/uniuri"
)

// GenerateToken returns a securely randomly generated bearer token
func GenerateToken() string {
	return uniuri.NewLenChars(32, []byte("0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"))
}
