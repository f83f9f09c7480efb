package reference

import "strings"

// stopFilter turns decoded pieces into released text. Text that could still
// grow into a stop word is held back until it either completes one, which
// ends generation with the stop word and everything after it dropped, or
// stops matching, which releases it.
type stopFilter struct {
	words []string

	out    strings.Builder
	tokens int

	pending []string
}

func newStopFilter(words []string) *stopFilter {
	f := &stopFilter{}
	for _, w := range words {
		if w != "" {
			f.words = append(f.words, w)
		}
	}
	return f
}

// push adds one token's piece. It returns the text now safe to stream and
// whether a stop word completed.
func (f *stopFilter) push(piece string) (string, bool) {
	f.pending = append(f.pending, piece)
	tail := strings.Join(f.pending, "")

	for _, w := range f.words {
		if i := strings.Index(tail, w); i >= 0 {
			return f.release(i, true), true
		}
	}
	return f.release(len(tail)-f.held(tail), false), false
}

// held is the length of the longest suffix of tail that is a proper prefix
// of a stop word.
func (f *stopFilter) held(tail string) int {
	n := 0
	for _, w := range f.words {
		for k := min(len(w)-1, len(tail)); k > n; k-- {
			if strings.HasSuffix(tail, w[:k]) {
				n = k
				break
			}
		}
	}
	return n
}

// release moves the pending pieces that end at or before cut into the
// output. On a stop match the text up to cut is released and the rest of
// pending is dropped.
func (f *stopFilter) release(cut int, stop bool) string {
	var b strings.Builder
	end, n := 0, 0
	for _, p := range f.pending {
		if end+len(p) > cut {
			break
		}
		end += len(p)
		b.WriteString(p)
		n++
	}
	if stop {
		b.WriteString(strings.Join(f.pending[n:], "")[:cut-end])
		f.pending = nil
	} else {
		f.pending = f.pending[n:]
	}
	f.tokens += n
	f.out.WriteString(b.String())
	return b.String()
}

// flush releases whatever is still held once generation ends without a stop
// word.
func (f *stopFilter) flush() string {
	rest := strings.Join(f.pending, "")
	f.tokens += len(f.pending)
	f.pending = nil
	f.out.WriteString(rest)
	return rest
}

// Text is everything released so far.
func (f *stopFilter) Text() string { return f.out.String() }

// Tokens counts the tokens whose text was released.
func (f *stopFilter) Tokens() int { return f.tokens }
