package room

import (
	"strconv"
	"strings"

	nanoid "github.com/jaevor/go-nanoid"
)

const (
	codeAlphabet   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength     = 6
	suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	suffixLength   = 6
)

var (
	newRoomCode = mustGenerator(codeAlphabet, codeLength)
	newIDSuffix = mustGenerator(suffixAlphabet, suffixLength)
)

func mustGenerator(alphabet string, length int) func() string {
	gen, err := nanoid.CustomASCII(alphabet, length)
	if err != nil {
		panic(err)
	}
	return gen
}

// NormalizeCode trims and upper-cases a room code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func newMessageID(nowMs int64) string {
	return strconv.FormatInt(nowMs, 36) + newIDSuffix()
}
