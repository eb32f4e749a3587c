package inference

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/earlydot/lesion-api/internal/classify"
	"github.com/earlydot/lesion-api/internal/config"
	"github.com/earlydot/lesion-api/internal/gradcam"
	"github.com/earlydot/lesion-api/internal/hair"
	"github.com/earlydot/lesion-api/internal/model"
	"github.com/earlydot/lesion-api/internal/risk"
)

// Build loads the manifest and every model under cfg.ModelsDir. Any load
// failure is fatal; optional models that are not installed are skipped.
func Build(cfg *config.Config, log logrus.FieldLogger) (svc *Service, err error) {
	layout := model.NewLayout(cfg.ModelsDir)
	if err := layout.Check(); err != nil {
		return nil, err
	}
	manifest, err := model.LoadManifest(layout.Manifest())
	if err != nil {
		return nil, err
	}
	table, err := risk.FromSpec(manifest.RiskTable)
	if err != nil {
		return nil, err
	}

	if err := model.InitRuntime(cfg.Runtime, log); err != nil {
		return nil, err
	}

	var closers []io.Closer
	defer func() {
		if err != nil {
			for _, c := range closers {
				c.Close()
			}
			model.ShutdownRuntime()
		}
	}()

	masker, err := hair.OpenMaskPredictor(layout, manifest.HairMask, log)
	if err != nil {
		return nil, err
	}
	closers = append(closers, masker)

	var upscaler hair.Upscaler
	sr, err := hair.OpenUpscaler(layout, log)
	if err != nil {
		return nil, err
	}
	if sr != nil {
		upscaler = sr
		closers = append(closers, sr)
	}

	backend, err := hair.SelectBackend(layout, cfg.Inpaint, log)
	if err != nil {
		return nil, err
	}
	inpainter := hair.NewInpainter(backend, log)
	closers = append(closers, inpainter)

	pipeline := hair.NewPipeline(masker, hair.NewNormalizer(upscaler, log), inpainter, hair.NewEnhancer(), log)

	ensemble, cnn, err := OpenEnsemble(layout, manifest, cfg.Ensemble, log)
	if err != nil {
		return nil, err
	}
	closers = append(closers, ensemble)

	var explainer Explainer
	if cnn != nil {
		explainer = gradcam.NewExplainer(cnn, ensemble.Classes(), gradcam.Profiles(manifest.GradCAMProfiles), log)
	}

	log.WithFields(logrus.Fields{
		"classes":    ensemble.Classes().String(),
		"weights":    ensemble.Weights(),
		"risk_table": table.Version,
		"inpainting": backend.Name(),
	}).Info("Models loaded")

	return New(Components{
		Hair:      pipeline,
		Ensemble:  ensemble,
		Risk:      table,
		Explainer: explainer,
		MaxActive: cfg.MaxActive,
		Health: model.Health{
			Inpainting:      backend.Name(),
			SuperResolution: upscaler != nil,
		},
		Closers: closers,
	}, log), nil
}

// OpenEnsemble loads the classifiers that are installed. A missing model gets
// weight 0; one that is present but fails to load is an error. The CNN is
// returned separately for GradCAM and is nil when absent.
func OpenEnsemble(layout model.Layout, manifest *model.Manifest, weights config.EnsembleConfig, log logrus.FieldLogger) (*classify.Ensemble, *classify.CNN, error) {
	classes, err := classify.NewClasses(manifest.ClassOrder)
	if err != nil {
		return nil, nil, err
	}
	cnnWeight, vitWeight := weights.Weights()

	var members []classify.Member
	var cnn *classify.CNN
	if layout.HasCNN() {
		if cnn, err = classify.OpenCNN(layout, log); err != nil {
			return nil, nil, fmt.Errorf("failed to load CNN ensemble: %w", err)
		}
		members = append(members, classify.Member{Classifier: cnn, Weight: cnnWeight})
	} else {
		log.Warn("CNN ensemble not installed, ViT gets full weight and GradCAM is unavailable")
	}
	if layout.HasViT() {
		vit, err := classify.OpenViT(layout, log)
		if err != nil {
			closeMembers(members)
			return nil, nil, fmt.Errorf("failed to load ViT: %w", err)
		}
		members = append(members, classify.Member{Classifier: vit, Weight: vitWeight})
	} else {
		log.Warn("ViT not installed, CNN gets full weight")
	}
	if len(members) == 0 {
		return nil, nil, errors.New("no classifier installed")
	}
	if len(members) == 1 {
		members[0].Weight = 1
	}

	ens, err := classify.NewEnsemble(classes, members, log)
	if err != nil {
		closeMembers(members)
		return nil, nil, err
	}
	return ens, cnn, nil
}

func closeMembers(members []classify.Member) {
	for _, m := range members {
		m.Classifier.Close()
	}
}
