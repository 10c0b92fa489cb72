package nn

import "github.com/pkg/errors"

// TieEmbeddings makes the discriminator share the generator's
// embedding parameter, the ELECTRA setup. Both models then accumulate
// gradient into the same tensor and the optimizer must see the
// parameter once (optim.Partition dedupes). Setup concern only; the
// training step never re-ties.
func TieEmbeddings(g *MaskedLM, d *TokenClassifier) error {
	if g == nil || d == nil {
		return errors.New("tie embeddings: nil model")
	}
	if g.cfg.VocabSize != d.cfg.VocabSize {
		return errors.Errorf("tie embeddings: vocab %d vs %d", g.cfg.VocabSize, d.cfg.VocabSize)
	}
	if g.cfg.EmbedDim != d.cfg.EmbedDim {
		return errors.Errorf("tie embeddings: embed dim %d vs %d", g.cfg.EmbedDim, d.cfg.EmbedDim)
	}
	d.enc.embed = g.enc.embed
	return nil
}
