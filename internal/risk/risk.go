// Package risk maps a predicted class and its probability to a triage level.
package risk

import (
	"fmt"

	"github.com/earlydot/lesion-api/internal/model"
	"github.com/earlydot/lesion-api/internal/tensor"
)

const (
	High   = "높음"
	Medium = "중간"
	Low    = "낮음"
)

// Band assigns Level to probabilities at or above Min. Bands are checked in
// order, highest Min first.
type Band struct {
	Min   float64
	Level string
}

type Group struct {
	Classes []string
	Bands   []Band
}

// Table is versioned configuration. Classes not in any group use Fallback.
type Table struct {
	Version  string
	Groups   []Group
	Fallback []Band
}

var threeTier = []Band{{Min: 0.7, Level: High}, {Min: 0.4, Level: Medium}, {Min: 0, Level: Low}}

// Default is the 2024.1 table. Malignant and premalignant classes rise with
// confidence; a benign call is only trusted as low risk when confident.
var Default = Table{
	Version: "2024.1",
	Groups: []Group{
		{Classes: []string{"mel", "bcc", "scc", "ak"}, Bands: threeTier},
		{Classes: []string{"nv", "df", "bkl", "vasc"}, Bands: []Band{{Min: 0.7, Level: Low}, {Min: 0, Level: Medium}}},
	},
	Fallback: threeTier,
}

// FromSpec builds a table from the manifest override, or returns Default
// when spec is nil.
func FromSpec(spec *model.RiskTableSpec) (Table, error) {
	if spec == nil {
		return Default, nil
	}
	t := Table{Version: spec.Version, Fallback: bands(spec.Fallback)}
	if len(t.Fallback) == 0 {
		t.Fallback = threeTier
	}
	seen := map[string]bool{}
	for _, g := range spec.Groups {
		for _, c := range g.Classes {
			if seen[c] {
				return Table{}, fmt.Errorf("risk table %s lists %q twice", spec.Version, c)
			}
			seen[c] = true
		}
		t.Groups = append(t.Groups, Group{Classes: g.Classes, Bands: bands(g.Bands)})
	}
	return t, t.Validate()
}

func bands(spec []model.RiskBandSpec) []Band {
	out := make([]Band, len(spec))
	for i, b := range spec {
		out[i] = Band{Min: b.Min, Level: b.Level}
	}
	return out
}

// Validate checks that every band list is descending, ends at zero and uses
// known levels.
func (t Table) Validate() error {
	check := func(name string, bs []Band) error {
		if len(bs) == 0 {
			return fmt.Errorf("risk table %s: %s has no bands", t.Version, name)
		}
		for i, b := range bs {
			switch b.Level {
			case High, Medium, Low:
			default:
				return fmt.Errorf("risk table %s: unknown level %q", t.Version, b.Level)
			}
			if i > 0 && b.Min >= bs[i-1].Min {
				return fmt.Errorf("risk table %s: %s bands are not descending", t.Version, name)
			}
		}
		if bs[len(bs)-1].Min != 0 {
			return fmt.Errorf("risk table %s: %s does not cover probability 0", t.Version, name)
		}
		return nil
	}
	for i, g := range t.Groups {
		if err := check(fmt.Sprintf("group %d", i), g.Bands); err != nil {
			return err
		}
	}
	return check("fallback", t.Fallback)
}

// Level returns the risk level for class code predicted with probability p.
func (t Table) Level(code string, p float64) string {
	bs := t.Fallback
	for _, g := range t.Groups {
		if contains(g.Classes, code) {
			bs = g.Bands
			break
		}
	}
	for _, b := range bs {
		if p >= b.Min {
			return b.Level
		}
	}
	return bs[len(bs)-1].Level
}

// Score picks the arg-max class, ties going to the earlier index, and
// returns it with its level.
func (t Table) Score(codes []string, probs []float64) (string, string) {
	i := tensor.Argmax(probs)
	if i < 0 || i >= len(codes) {
		return "", t.Fallback[len(t.Fallback)-1].Level
	}
	return codes[i], t.Level(codes[i], probs[i])
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
