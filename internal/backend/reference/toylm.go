package reference

import (
	"math"
	"math/rand"
)

// toyLM is a tiny deterministic language model: an embedding table, a
// recurrent hidden state and a projection back to vocabulary logits. It
// stands in for a real network so every other layer can be exercised.
type toyLM struct {
	vocab  int
	hidden int
	layers int
	emb    []float32 // [vocab x hidden]
	w      []float32 // [hidden x vocab]
}

func newToyLM(vocab, hidden, layers int, seed int64) *toyLM {
	m := &toyLM{
		vocab:  vocab,
		hidden: hidden,
		layers: layers,
		emb:    make([]float32, vocab*hidden),
		w:      make([]float32, hidden*vocab),
	}
	fill(m.emb, seed+11)
	fill(m.w, seed+23)
	return m
}

func fill(dst []float32, seed int64) {
	r := rand.New(rand.NewSource(seed))
	for i := range dst {
		dst[i] = float32(r.NormFloat64() * 0.5)
	}
}

// state is the per-sequence cache: the running hidden vector and the tokens
// consumed so far.
type state struct {
	h      []float32
	tokens []int32
}

func (m *toyLM) newState() *state {
	return &state{h: make([]float32, m.hidden)}
}

// step feeds tok and returns the logits for the next position.
func (m *toyLM) step(st *state, tok int32) []float32 {
	t := int(tok)
	if t < 0 || t >= m.vocab {
		t = ((t % m.vocab) + m.vocab) % m.vocab
	}
	row := m.emb[t*m.hidden : (t+1)*m.hidden]
	for i := range st.h {
		st.h[i] = 0.5*st.h[i] + row[i]
	}
	for range m.layers {
		for i, v := range st.h {
			st.h[i] = float32(math.Tanh(float64(v)))
		}
	}
	st.tokens = append(st.tokens, tok)

	logits := make([]float32, m.vocab)
	for i, hv := range st.h {
		wrow := m.w[i*m.vocab : (i+1)*m.vocab]
		for j, wv := range wrow {
			logits[j] += hv * wv
		}
	}
	return logits
}
