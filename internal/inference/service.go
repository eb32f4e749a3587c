// Package inference owns every loaded model and exposes the two request
// operations: hair removal and classification.
package inference

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/earlydot/lesion-api/internal/classify"
	"github.com/earlydot/lesion-api/internal/imageproc"
	"github.com/earlydot/lesion-api/internal/logging"
	"github.com/earlydot/lesion-api/internal/model"
	"github.com/earlydot/lesion-api/internal/risk"
)

type HairRemover interface {
	Process(ctx context.Context, data []byte) ([]byte, error)
}

type Classifier interface {
	Classify(in *classify.Input) (*classify.Result, error)
	Classes() classify.Classes
	Names() []string
}

type Explainer interface {
	Explain(in *classify.Input, target, predicted int) ([]byte, error)
}

// Components are the parts a Service is assembled from. Explainer may be nil
// when the CNN is not installed.
type Components struct {
	Hair      HairRemover
	Ensemble  Classifier
	Risk      risk.Table
	Explainer Explainer
	MaxActive int64
	Health    model.Health
	Closers   []io.Closer
}

// Service is built once at startup and shared by all requests.
type Service struct {
	hair      HairRemover
	ensemble  Classifier
	risk      risk.Table
	explainer Explainer
	sem       *semaphore.Weighted
	health    model.Health
	closers   []io.Closer
	log       logrus.FieldLogger
}

func New(c Components, log logrus.FieldLogger) *Service {
	if c.MaxActive < 1 {
		c.MaxActive = 1
	}
	c.Health.Status = "healthy"
	c.Health.Classifiers = c.Ensemble.Names()
	c.Health.ClassOrder = c.Ensemble.Classes().Codes()
	c.Health.RiskTable = c.Risk.Version
	return &Service{
		hair:      c.Hair,
		ensemble:  c.Ensemble,
		risk:      c.Risk,
		explainer: c.Explainer,
		sem:       semaphore.NewWeighted(c.MaxActive),
		health:    c.Health,
		closers:   c.Closers,
		log:       log,
	}
}

// acquire waits for an inference slot. Giving up because ctx ended is
// reported as model.ErrBusy.
func (s *Service) acquire(ctx context.Context) (func(), error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrBusy, err)
	}
	return func() { s.sem.Release(1) }, nil
}

// RemoveHair returns the hair-removed photo as PNG.
func (s *Service) RemoveHair(ctx context.Context, data []byte) ([]byte, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.hair.Process(ctx, data)
}

// Predict classifies the photo and scores its risk. A GradCAM failure is
// logged and leaves GradCAM nil; it never fails the prediction.
func (s *Service) Predict(ctx context.Context, data []byte, withGradCAM bool) (*model.Prediction, error) {
	log := logging.FromContext(ctx, s.log)

	img, err := imageproc.Decode(data)
	if err != nil {
		return nil, model.Stage("decode", fmt.Errorf("%w: %v", model.ErrInvalidImage, err))
	}

	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	res, err := s.ensemble.Classify(classify.Prepare(img))
	if err != nil {
		return nil, model.Stage("classify", err)
	}

	code, level := s.risk.Score(res.Classes.Codes(), res.Probs)
	top := res.TopClass()
	pred := &model.Prediction{
		ClassProbs:    res.ByKorean(),
		RiskLevel:     level,
		DiseaseNameKO: top.KO,
		DiseaseNameEN: top.EN,
	}

	if withGradCAM {
		pred.GradCAM = s.gradCAM(log, res)
	}

	log.WithFields(logrus.Fields{
		"class":      code,
		"confidence": fmt.Sprintf("%.4f", res.Confidence()),
		"risk":       level,
		"gradcam":    pred.GradCAM != nil,
		"elapsed":    time.Since(start),
	}).Info("Prediction done")
	return pred, nil
}

func (s *Service) gradCAM(log logrus.FieldLogger, res *classify.Result) []byte {
	if s.explainer == nil {
		log.Warn("GradCAM requested but the CNN is not loaded")
		return nil
	}
	png, err := s.explainer.Explain(res.Input, res.Top, res.Top)
	if err != nil {
		log.WithError(err).Warn("GradCAM failed")
		return nil
	}
	return png
}

func (s *Service) Health() model.Health {
	return s.health
}

// Close releases every model and the ONNX Runtime environment.
func (s *Service) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	errs = append(errs, model.ShutdownRuntime())
	return errors.Join(errs...)
}
