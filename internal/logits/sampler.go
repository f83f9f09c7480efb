// Package logits turns a logits vector into the next token id.
package logits

import (
	"math"
	"math/rand"
)

// SamplerConfig configures a Sampler. Zero values fall back to neutral
// settings: temperature 1, top-k 40, top-p 1, no repetition penalty.
type SamplerConfig struct {
	Seed          int64
	Temperature   float32
	TopK          int
	TopP          float32
	MinP          float32
	RepeatPenalty float32
	RepeatLastN   int
}

type Sampler struct {
	rng    *rand.Rand
	cfg    SamplerConfig
	greedy bool
	topIdx []int
	topVal []float32
	prob   []float64
	seen   map[int32]struct{}
}

func NewSampler(cfg SamplerConfig) *Sampler {
	greedy := cfg.Temperature <= 0 || cfg.TopK == 1
	if cfg.Temperature <= 0 {
		cfg.Temperature = 1
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 40
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	if cfg.MinP < 0 || cfg.MinP >= 1 {
		cfg.MinP = 0
	}
	if cfg.RepeatPenalty <= 0 {
		cfg.RepeatPenalty = 1
	}
	if cfg.RepeatLastN <= 0 {
		cfg.RepeatLastN = 64
	}
	return &Sampler{
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		cfg:    cfg,
		greedy: greedy,
		seen:   make(map[int32]struct{}),
	}
}

// Config returns the effective configuration after defaulting.
func (s *Sampler) Config() SamplerConfig { return s.cfg }

// Sample picks the next token from logits, which it may modify in place.
// Ids in banned are never returned unless every id is banned. history is the
// sequence so far and feeds the repetition penalty.
//
// Order of operations: ban, repetition penalty, then either argmax (greedy)
// or temperature, top-k, softmax, min-p, top-p and a seeded draw.
func (s *Sampler) Sample(logits []float32, history, banned []int32) int32 {
	if len(logits) == 0 {
		return 0
	}
	Mask(logits, banned)
	s.penalize(logits, history)

	if s.greedy {
		return int32(Argmax(logits))
	}

	k := min(s.cfg.TopK, len(logits))
	idx, val := s.topK(logits, k, 1/s.cfg.Temperature)

	if cap(s.prob) < len(val) {
		s.prob = make([]float64, len(val))
	}
	prob := s.prob[:len(val)]
	maxv := val[0]
	var sum float64
	for i, v := range val {
		e := math.Exp(float64(v - maxv))
		if math.IsNaN(e) {
			e = 0
		}
		prob[i] = e
		sum += e
	}
	if sum == 0 {
		return int32(idx[0])
	}
	for i := range prob {
		prob[i] /= sum
	}

	if s.cfg.MinP > 0 {
		floor := prob[0] * float64(s.cfg.MinP)
		n := 0
		sum = 0
		for i := range prob {
			if prob[i] >= floor {
				prob[n], idx[n] = prob[i], idx[i]
				sum += prob[i]
				n++
			}
		}
		prob, idx = prob[:n], idx[:n]
		for i := range prob {
			prob[i] /= sum
		}
	}

	cut := len(prob)
	if s.cfg.TopP < 1 {
		var c float64
		for i := range prob {
			c += prob[i]
			if float32(c) >= s.cfg.TopP {
				cut = i + 1
				break
			}
		}
	}

	// Renormalize over the kept prefix so the draw covers it exactly.
	var total float64
	for i := range cut {
		total += prob[i]
	}
	r := s.rng.Float64() * total
	var c float64
	for i := range cut {
		c += prob[i]
		if r < c {
			return int32(idx[i])
		}
	}
	return int32(idx[cut-1])
}

func (s *Sampler) penalize(logits []float32, history []int32) {
	if s.cfg.RepeatPenalty == 1 || len(history) == 0 {
		return
	}
	window := history[max(len(history)-s.cfg.RepeatLastN, 0):]
	clear(s.seen)
	for _, id := range window {
		if id < 0 || int(id) >= len(logits) {
			continue
		}
		if _, dup := s.seen[id]; dup {
			continue
		}
		s.seen[id] = struct{}{}
		if logits[id] > 0 {
			logits[id] /= s.cfg.RepeatPenalty
		} else {
			logits[id] *= s.cfg.RepeatPenalty
		}
	}
}

// Mask sets the logits of the given ids to -Inf. Out of range ids are
// ignored. If masking would remove every candidate the logits are left as
// they were.
func Mask(logits []float32, ids []int32) {
	if len(ids) == 0 {
		return
	}
	live := len(logits)
	for _, id := range ids {
		if id >= 0 && int(id) < len(logits) && !math.IsInf(float64(logits[id]), -1) {
			live--
		}
	}
	if live <= 0 {
		return
	}
	neg := float32(math.Inf(-1))
	for _, id := range ids {
		if id >= 0 && int(id) < len(logits) {
			logits[id] = neg
		}
	}
}

// LogProb returns log(softmax(logits)[id]).
func LogProb(logits []float32, id int32) float32 {
	if id < 0 || int(id) >= len(logits) {
		return float32(math.Inf(-1))
	}
	maxv := logits[Argmax(logits)]
	var sum float64
	for _, v := range logits {
		sum += math.Exp(float64(v - maxv))
	}
	return float32(float64(logits[id]-maxv) - math.Log(sum))
}

// Argmax returns the index of the largest value, the first one on ties.
// It panics on an empty slice.
func Argmax(x []float32) int {
	if len(x) == 0 {
		panic("argmax: empty slice")
	}
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}

// topK returns the k largest logits scaled by invTemp, largest first.
func (s *Sampler) topK(logits []float32, k int, invTemp float32) ([]int, []float32) {
	if cap(s.topIdx) < k+1 {
		s.topIdx = make([]int, 0, k+1)
		s.topVal = make([]float32, 0, k+1)
	}
	idx := s.topIdx[:0]
	val := s.topVal[:0]
	for i, l := range logits {
		if math.IsInf(float64(l), -1) {
			continue
		}
		v := l * invTemp
		pos := len(val)
		for pos > 0 && val[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}
		idx = append(idx, 0)
		val = append(val, 0)
		copy(idx[pos+1:], idx[pos:])
		copy(val[pos+1:], val[pos:])
		idx[pos], val[pos] = i, v
		if len(val) > k {
			idx, val = idx[:k], val[:k]
		}
	}
	if len(idx) == 0 {
		idx = append(idx, Argmax(logits))
		val = append(val, 0)
	}
	s.topIdx, s.topVal = idx, val
	return idx, val
}
