package reference

import (
	"slices"
	"strings"
)

// Token ids 0-2 are special; byte b maps to id b+3.
const (
	padID     int32 = 0
	bosID     int32 = 1
	eosID     int32 = 2
	byteBase  int32 = 3
	byteVocab       = 256 + int(byteBase)
)

func encode(text string) []int32 {
	ids := make([]int32, 0, len(text)+1)
	ids = append(ids, bosID)
	for i := 0; i < len(text); i++ {
		ids = append(ids, int32(text[i])+byteBase)
	}
	return ids
}

func decode(ids []int32) string {
	var b strings.Builder
	for _, id := range ids {
		if id >= byteBase && id < int32(byteVocab) {
			b.WriteByte(byte(id - byteBase))
		}
	}
	return b.String()
}

// unprintable lists ids the reference model never emits as text: every id
// outside printable ASCII and newline, except the end-of-sequence ids.
func unprintable(vocab int, keep []int32) []int32 {
	out := make([]int32, 0, vocab)
	for id := int32(0); id < int32(vocab); id++ {
		if id >= byteBase && id < int32(byteVocab) {
			c := byte(id - byteBase)
			if c == '\n' || (c >= ' ' && c <= '~') {
				continue
			}
		}
		if slices.Contains(keep, id) {
			continue
		}
		out = append(out, id)
	}
	return out
}
