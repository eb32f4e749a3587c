package classify

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/earlydot/lesion-api/internal/imageproc"
	"github.com/earlydot/lesion-api/internal/model"
)

// Sample is one labelled calibration photo.
type Sample struct {
	Path string
	Code string
}

var sampleExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".webp": true, ".bmp": true}

// CollectSamples reads <dir>/<class code>/* for every known class code.
// Directories with other names are ignored.
func CollectSamples(dir string) ([]Sample, error) {
	var samples []Sample
	for _, code := range model.ClassCodes {
		entries, err := os.ReadDir(filepath.Join(dir, code))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() || !sampleExts[strings.ToLower(filepath.Ext(e.Name()))] {
				continue
			}
			samples = append(samples, Sample{Path: filepath.Join(dir, code, e.Name()), Code: code})
		}
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("no labelled images under %s", dir)
	}
	return samples, nil
}

// Candidate is a named class order to score.
type Candidate struct {
	Name  string
	Order []string
}

type Score struct {
	Candidate
	Correct int
	Total   int
}

func (s Score) Accuracy() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Correct) / float64(s.Total)
}

type Report struct {
	Scores  []Score
	Skipped int
}

// Best returns the highest scoring candidate; ties keep the earlier one.
func (r *Report) Best() Score {
	best := r.Scores[0]
	for _, s := range r.Scores[1:] {
		if s.Correct > best.Correct {
			best = s
		}
	}
	return best
}

func (r *Report) Render(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"order", "classes", "correct", "total", "accuracy"})
	for _, s := range r.Scores {
		table.Append([]string{
			s.Name,
			strings.Join(s.Order, ","),
			fmt.Sprint(s.Correct),
			fmt.Sprint(s.Total),
			fmt.Sprintf("%.2f%%", 100*s.Accuracy()),
		})
	}
	table.Render()
	if r.Skipped > 0 {
		fmt.Fprintf(w, "%d samples skipped\n", r.Skipped)
	}
}

// Calibrate classifies every sample once and scores each candidate order by
// how often the arg-max index maps to the sample's label. Undecodable files
// are counted as skipped.
func Calibrate(ctx context.Context, ens *Ensemble, samples []Sample, candidates []Candidate) (*Report, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no candidate orders")
	}
	for _, c := range candidates {
		if err := model.ValidateClassOrder(c.Order); err != nil {
			return nil, fmt.Errorf("candidate %s: %w", c.Name, err)
		}
	}

	report := &Report{Scores: make([]Score, len(candidates))}
	for i, c := range candidates {
		report.Scores[i].Candidate = c
	}

	for _, s := range samples {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(s.Path)
		if err != nil {
			return nil, err
		}
		img, err := imageproc.Decode(data)
		if err != nil {
			report.Skipped++
			continue
		}
		res, err := ens.Predict(img)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.Path, err)
		}
		for i := range report.Scores {
			report.Scores[i].Total++
			if report.Scores[i].Order[res.Top] == s.Code {
				report.Scores[i].Correct++
			}
		}
	}
	return report, nil
}

// DefaultCandidates lists the manifest order first, then the known orders
// that differ from it.
func DefaultCandidates(manifestOrder []string) []Candidate {
	out := []Candidate{{Name: "manifest", Order: manifestOrder}}
	for _, c := range []Candidate{{Name: "isic", Order: ISICOrder}, {Name: "clinical", Order: ClinicalOrder}} {
		if !sameOrder(c.Order, manifestOrder) {
			out = append(out, c)
		}
	}
	return out
}

func sameOrder(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
