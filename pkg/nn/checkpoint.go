package nn

import (
	"encoding/gob"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const (
	maskedLMType        = "masked_lm"
	tokenClassifierType = "token_classifier"

	configFileName  = "config.json"
	weightsFileName = "weights.gob"
)

type savedConfig struct {
	ModelType string          `json:"model_type"`
	Config    json.RawMessage `json:"config"`
}

type savedWeights struct {
	Names  []string
	Shapes [][]int
	Data   [][]float32
}

func saveModel(dir, modelType string, cfg interface{}, params []*Parameter) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create model dir")
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "marshal model config")
	}
	buf, err := json.MarshalIndent(savedConfig{ModelType: modelType, Config: raw}, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal model config")
	}
	if err := os.WriteFile(filepath.Join(dir, configFileName), buf, 0o644); err != nil {
		return errors.Wrap(err, "write model config")
	}

	w := savedWeights{
		Names:  make([]string, len(params)),
		Shapes: make([][]int, len(params)),
		Data:   make([][]float32, len(params)),
	}
	for i, p := range params {
		w.Names[i] = p.Name()
		w.Shapes[i] = append([]int(nil), p.Dense().Shape()...)
		w.Data[i] = append([]float32(nil), p.Data()...)
	}
	f, err := os.Create(filepath.Join(dir, weightsFileName))
	if err != nil {
		return errors.Wrap(err, "create weights file")
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(w); err != nil {
		return errors.Wrap(err, "encode weights")
	}
	return nil
}

func loadModelConfig(dir, wantType string, cfg interface{}) error {
	buf, err := os.ReadFile(filepath.Join(dir, configFileName))
	if err != nil {
		return errors.Wrap(err, "read model config")
	}
	var sc savedConfig
	if err := json.Unmarshal(buf, &sc); err != nil {
		return errors.Wrap(err, "unmarshal model config")
	}
	if sc.ModelType != wantType {
		return errors.Errorf("model at %s has type %q, want %q", dir, sc.ModelType, wantType)
	}
	return errors.Wrap(json.Unmarshal(sc.Config, cfg), "unmarshal model config")
}

func loadWeights(dir string, params []*Parameter) error {
	f, err := os.Open(filepath.Join(dir, weightsFileName))
	if err != nil {
		return errors.Wrap(err, "open weights file")
	}
	defer f.Close()
	var w savedWeights
	if err := gob.NewDecoder(f).Decode(&w); err != nil {
		return errors.Wrap(err, "decode weights")
	}
	byName := make(map[string]int, len(w.Names))
	for i, name := range w.Names {
		byName[name] = i
	}
	for _, p := range params {
		i, ok := byName[p.Name()]
		if !ok {
			return errors.Errorf("weights at %s are missing %s", dir, p.Name())
		}
		dst := p.Data()
		if len(w.Data[i]) != len(dst) {
			return errors.Errorf("weights for %s have %d values, want %d (shape %v)",
				p.Name(), len(w.Data[i]), len(dst), p.Dense().Shape())
		}
		copy(dst, w.Data[i])
	}
	return nil
}
