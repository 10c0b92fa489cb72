package optim

import (
	"strings"

	"gorgonia.org/gorgonia"
)

// NamedParam is a steppable parameter with a name the grouping can
// match markers against.
type NamedParam interface {
	gorgonia.ValueGrad
	Name() string
}

// DefaultNoDecay are the substrings marking parameters that never
// receive weight decay: biases and norm gains.
var DefaultNoDecay = []string{"bias", "norm.weight"}

// Partition splits parameters into exactly two groups, ordered
// [decay, no-decay]. A parameter whose name contains any marker gets
// weight decay 0. Duplicates (tied parameters) are kept once, first
// occurrence wins.
func Partition[P NamedParam](params []P, weightDecay float64, noDecay []string) []ParamGroup {
	seen := make(map[any]struct{}, len(params))
	var decay, skip []gorgonia.ValueGrad
	for _, p := range params {
		key := any(p)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		if containsAny(p.Name(), noDecay) {
			skip = append(skip, p)
		} else {
			decay = append(decay, p)
		}
	}
	return []ParamGroup{
		{Params: decay, WeightDecay: weightDecay},
		{Params: skip, WeightDecay: 0},
	}
}

func containsAny(name string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(name, m) {
			return true
		}
	}
	return false
}
