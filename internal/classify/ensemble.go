package classify

import (
	"errors"
	"fmt"
	"image"

	"github.com/sirupsen/logrus"

	"github.com/earlydot/lesion-api/internal/model"
	"github.com/earlydot/lesion-api/internal/tensor"
)

// Classifier produces raw logits for a prepared input.
type Classifier interface {
	Name() string
	Logits(in *Input) ([]float64, error)
	Close() error
}

type Member struct {
	Classifier Classifier
	Weight     float64
}

// Ensemble averages the softmax distributions of its members.
type Ensemble struct {
	members []Member
	classes Classes
	log     logrus.FieldLogger
}

// NewEnsemble normalizes member weights to sum to one.
func NewEnsemble(classes Classes, members []Member, log logrus.FieldLogger) (*Ensemble, error) {
	if len(members) == 0 {
		return nil, errors.New("ensemble needs at least one classifier")
	}
	var sum float64
	for _, m := range members {
		if m.Weight < 0 {
			return nil, fmt.Errorf("negative weight %v for %s", m.Weight, m.Classifier.Name())
		}
		sum += m.Weight
	}
	if sum <= 0 {
		return nil, errors.New("ensemble weights sum to zero")
	}
	normalized := make([]Member, len(members))
	for i, m := range members {
		normalized[i] = Member{Classifier: m.Classifier, Weight: m.Weight / sum}
	}
	return &Ensemble{members: normalized, classes: classes, log: log}, nil
}

func (e *Ensemble) Classes() Classes { return e.classes }

// Weights returns the normalized weight of each member by name.
func (e *Ensemble) Weights() map[string]float64 {
	out := make(map[string]float64, len(e.members))
	for _, m := range e.members {
		out[m.Classifier.Name()] = m.Weight
	}
	return out
}

func (e *Ensemble) Names() []string {
	names := make([]string, len(e.members))
	for i, m := range e.members {
		names[i] = m.Classifier.Name()
	}
	return names
}

// Probabilities is one value per class, index-aligned with Classes.
type Probabilities []float64

type Result struct {
	Probs   Probabilities
	Top     int
	Classes Classes
	Input   *Input
}

func (r *Result) TopClass() Class { return r.Classes[r.Top] }

func (r *Result) Confidence() float64 { return r.Probs[r.Top] }

// ByKorean keys the probabilities by Korean disease name.
func (r *Result) ByKorean() map[string]float64 {
	out := make(map[string]float64, len(r.Probs))
	for i, p := range r.Probs {
		out[r.Classes[i].KO] = p
	}
	return out
}

// ByCode keys the probabilities by class code.
func (r *Result) ByCode() map[string]float64 {
	out := make(map[string]float64, len(r.Probs))
	for i, p := range r.Probs {
		out[r.Classes[i].Code] = p
	}
	return out
}

func (e *Ensemble) Predict(img image.Image) (*Result, error) {
	return e.Classify(Prepare(img))
}

// Classify runs every member with a nonzero weight. A member returning
// anything but NumClasses finite logits fails the call with
// model.ErrInvalidOutput.
func (e *Ensemble) Classify(in *Input) (*Result, error) {
	probs := make(Probabilities, NumClasses)
	for _, m := range e.members {
		if m.Weight == 0 {
			continue
		}
		name := m.Classifier.Name()
		logits, err := m.Classifier.Logits(in)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if err := validateLogits(logits); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		p := tensor.Softmax(logits)
		for i := range probs {
			probs[i] += m.Weight * p[i]
		}
		e.log.WithFields(logrus.Fields{"model": name, "top": e.classes[tensor.Argmax(p)].Code}).Debug("Classifier done")
	}
	return &Result{Probs: probs, Top: tensor.Argmax(probs), Classes: e.classes, Input: in}, nil
}

func validateLogits(logits []float64) error {
	if len(logits) != NumClasses {
		return fmt.Errorf("%w: %d logits, want %d", model.ErrInvalidOutput, len(logits), NumClasses)
	}
	if !tensor.AllFinite(logits) {
		return fmt.Errorf("%w: non-finite logits", model.ErrInvalidOutput)
	}
	return nil
}

func (e *Ensemble) Close() error {
	var errs []error
	for _, m := range e.members {
		errs = append(errs, m.Classifier.Close())
	}
	return errors.Join(errs...)
}

// openSession is replaced in tests.
var openSession = func(path string, inputs, outputs []string, log logrus.FieldLogger) (model.Runner, error) {
	return model.OpenSession(path, inputs, outputs, log)
}
