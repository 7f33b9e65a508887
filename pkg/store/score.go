package store

import (
	"encoding/binary"
	"math"
	"sort"
)

// ScoreKind describes what a backend reports natively.
type ScoreKind int

const (
	// Distance scores grow as vectors diverge.
	Distance ScoreKind = iota
	// Similarity scores grow as vectors converge.
	Similarity
)

func (k ScoreKind) String() string {
	if k == Similarity {
		return "similarity"
	}
	return "distance"
}

// Normalize converts a native score into a similarity.
func Normalize(kind ScoreKind, raw float32) float32 {
	if kind == Distance {
		return 1 - raw
	}
	return raw
}

// finalize orders results by descending score and keeps the first topK.
func finalize(results []Result, topK int) []Result {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results
}

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func cosineSimilarity(a, b []float32) float32 {
	var na, nb float64
	for i := range a {
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(float64(dot(a, b)) / (math.Sqrt(na) * math.Sqrt(nb)))
}

func float32SliceToBytes(floats []float32) []byte {
	if len(floats) == 0 {
		return nil
	}
	buf := make([]byte, len(floats)*4)
	for i, f := range floats {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func bytesToFloat32Slice(data []byte) []float32 {
	if len(data) == 0 {
		return nil
	}
	floats := make([]float32, len(data)/4)
	for i := range floats {
		floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return floats
}
