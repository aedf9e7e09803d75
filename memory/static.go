package memory

import "context"

// StaticEmbedder is a deterministic Embedder for tests: exact-match inputs
// return their canned vector, everything else the zero vector (which
// Cosine scores as 0).
type StaticEmbedder struct {
	Vectors map[string][]float64
	Dim     int // zero-vector width, defaults to 3
}

func (s *StaticEmbedder) dim() int {
	if s.Dim > 0 {
		return s.Dim
	}
	return 3
}

// Embed implements Embedder.
func (s *StaticEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	if v, ok := s.Vectors[text]; ok {
		out := make([]float64, len(v))
		copy(out, v)
		return out, nil
	}
	return make([]float64, s.dim()), nil
}

// EmbedBatch implements Embedder.
func (s *StaticEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, 0, len(texts))
	for _, t := range texts {
		v, err := s.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
