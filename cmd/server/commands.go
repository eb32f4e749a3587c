package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/earlydot/lesion-api/internal/classify"
	"github.com/earlydot/lesion-api/internal/config"
	"github.com/earlydot/lesion-api/internal/gradcam"
	"github.com/earlydot/lesion-api/internal/hair"
	"github.com/earlydot/lesion-api/internal/inference"
	"github.com/earlydot/lesion-api/internal/logging"
	"github.com/earlydot/lesion-api/internal/model"
	"github.com/earlydot/lesion-api/internal/risk"
)

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the models directory and manifest without loading any model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			log := logging.New(cfg.Log)
			return check(model.NewLayout(cfg.ModelsDir), log)
		},
	}
}

func check(layout model.Layout, log logrus.FieldLogger) error {
	if err := layout.Check(); err != nil {
		return err
	}
	manifest, err := model.LoadManifest(layout.Manifest())
	if err != nil {
		return err
	}
	table, err := risk.FromSpec(manifest.RiskTable)
	if err != nil {
		return err
	}
	generator, err := hair.ReadLamaConfig(layout.LamaConfig())
	if err != nil {
		return err
	}
	threshold := hair.LoadThreshold(layout.HairThreshold(), manifest.HairMask.RecommendedThreshold, log)

	log.WithFields(logrus.Fields{
		"class_order":      manifest.ClassOrder,
		"cnn":              layout.HasCNN(),
		"vit":              layout.HasViT(),
		"super_resolution": layout.HasSuperRes(),
		"lama_onnx":        layout.HasLamaONNX(),
		"lama_generator":   generator,
		"mask_threshold":   threshold,
		"risk_table":       table.Version,
		"gradcam_profiles": len(gradcam.Profiles(manifest.GradCAMProfiles)),
	}).Info("Models directory is valid")
	return nil
}

func newCalibrateCmd() *cobra.Command {
	var (
		dir         string
		minAccuracy float64
	)
	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Score the manifest class order against a labelled image directory",
		Long: "Classifies every image under <dir>/<class code>/ and reports the accuracy of the manifest\n" +
			"class order and of the other known orders. Fails if the manifest order is not the best\n" +
			"or its accuracy is below --min-accuracy.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			log := logging.New(cfg.Log)
			return calibrate(cmd, cfg, log, dir, minAccuracy)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "labelled image directory")
	cmd.Flags().Float64Var(&minAccuracy, "min-accuracy", 0, "minimum accepted accuracy of the manifest order (0-1)")
	cmd.MarkFlagRequired("dir")
	return cmd
}

func calibrate(cmd *cobra.Command, cfg *config.Config, log logrus.FieldLogger, dir string, minAccuracy float64) error {
	samples, err := classify.CollectSamples(dir)
	if err != nil {
		return err
	}
	layout := model.NewLayout(cfg.ModelsDir)
	manifest, err := model.LoadManifest(layout.Manifest())
	if err != nil {
		return err
	}

	if err := model.InitRuntime(cfg.Runtime, log); err != nil {
		return err
	}
	defer model.ShutdownRuntime()

	ens, _, err := inference.OpenEnsemble(layout, manifest, cfg.Ensemble, log)
	if err != nil {
		return err
	}
	defer ens.Close()

	log.WithField("samples", len(samples)).Info("Calibrating class order")
	report, err := classify.Calibrate(cmd.Context(), ens, samples, classify.DefaultCandidates(manifest.ClassOrder))
	if err != nil {
		return err
	}
	report.Render(os.Stdout)

	current, best := report.Scores[0], report.Best()
	if best.Name != current.Name {
		return fmt.Errorf("order %q scores %.2f%%, better than the manifest's %.2f%%",
			best.Name, 100*best.Accuracy(), 100*current.Accuracy())
	}
	if current.Accuracy() < minAccuracy {
		return fmt.Errorf("manifest order accuracy %.2f%% is below %.2f%%", 100*current.Accuracy(), 100*minAccuracy)
	}
	return nil
}
