// Package cmd wires the library into two runnable demos, the mlm and
// electra subcommands. The flat step loops here stand in for the
// external trainer the library is written against.
package cmd

import (
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"lmtrainers/pkg/data"
	"lmtrainers/pkg/training"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "lmtrainers",
	Short: "Pretrain small language models with MLM or ELECTRA objectives",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			log.SetLevel(log.DebugLevel)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

// loadCorpus builds vocab and dataset from either a raw text corpus
// or a pretokenized gob file with its saved vocab.
func loadCorpus(corpusPath, datasetPath, vocabPath string, vocabSize int) (*data.Vocab, *data.Dataset, error) {
	switch {
	case corpusPath != "":
		raw, err := os.ReadFile(corpusPath)
		if err != nil {
			return nil, nil, errors.Wrap(err, "read corpus")
		}
		vocab := data.BuildVocab(string(raw), vocabSize)
		ds := data.FromCorpus(vocab, string(raw))
		log.Debug("built vocab from corpus", "vocab", vocab.Size(), "sequences", ds.Len())
		return vocab, ds, nil
	case datasetPath != "":
		if vocabPath == "" {
			return nil, nil, errors.New("--dataset needs --vocab for pad and mask ids")
		}
		vocab, err := data.LoadVocab(vocabPath)
		if err != nil {
			return nil, nil, err
		}
		ds, err := data.LoadPretokenized(datasetPath)
		if err != nil {
			return nil, nil, err
		}
		log.Debug("loaded pretokenized dataset", "vocab", vocab.Size(), "sequences", ds.Len())
		return vocab, ds, nil
	default:
		return nil, nil, errors.New("either --corpus or --dataset is required")
	}
}

// openSink routes metrics to <save>/metrics.jsonl, or discards them
// when no save path is set.
func openSink(savePath string) (training.MetricSink, func(), error) {
	if savePath == "" {
		return training.NopSink{}, func() {}, nil
	}
	if err := os.MkdirAll(savePath, 0o755); err != nil {
		return nil, nil, errors.Wrap(err, "create save dir")
	}
	f, err := os.Create(filepath.Join(savePath, "metrics.jsonl"))
	if err != nil {
		return nil, nil, errors.Wrap(err, "create metrics file")
	}
	return training.NewJSONLSink(f), func() { f.Close() }, nil
}
