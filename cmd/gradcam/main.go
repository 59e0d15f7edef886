// Command gradcam explains one prediction of the emotion classifier. It writes
// a Grad-CAM overlay and a Guided Grad-CAM map as JPEG files.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/rs/zerolog"

	"github.com/Brownie44l1/fer-explain/internal/config"
	"github.com/Brownie44l1/fer-explain/internal/gradcam"
	"github.com/Brownie44l1/fer-explain/internal/logger"
	"github.com/Brownie44l1/fer-explain/internal/model"
	"github.com/Brownie44l1/fer-explain/internal/nn"
	"github.com/Brownie44l1/fer-explain/internal/preprocess"
	"github.com/Brownie44l1/fer-explain/internal/render"
)

type flags struct {
	config         string
	class          int
	stripOptimizer bool
	printConfig    bool
	cfg            config.Config
}

// newFlagSet binds every flag to f and cfg, using cfg's values as defaults
func newFlagSet(f *flags, cfg *config.Config) *flag.FlagSet {
	fs := flag.NewFlagSet("gradcam", flag.ContinueOnError)
	fs.StringVar(&f.config, "config", os.Getenv(config.EnvConfigPath), "YAML config file")
	fs.StringVar(&cfg.Explain.Input, "input", cfg.Explain.Input, "input image or JSON pixel array")
	fs.StringVar(&cfg.Model.Architecture, "model", cfg.Model.Architecture, "model architecture JSON")
	fs.StringVar(&cfg.Model.Weights, "weights", cfg.Model.Weights, "model weights (safetensors)")
	fs.StringVar(&cfg.Explain.Layer, "layer", cfg.Explain.Layer, "convolution layer for Grad-CAM")
	fs.StringVar(&cfg.Explain.SaliencyLayer, "saliency-layer", cfg.Explain.SaliencyLayer, "layer whose channel maxima drive guided backprop")
	fs.StringVar(&cfg.Explain.GradCAMOutput, "gradcam", cfg.Explain.GradCAMOutput, "Grad-CAM output JPEG")
	fs.StringVar(&cfg.Explain.GuidedOutput, "guided", cfg.Explain.GuidedOutput, "Guided Grad-CAM output JPEG")
	fs.StringVar(&cfg.Model.ONNX, "onnx", cfg.Model.ONNX, "optional ONNX export used to cross-check the prediction")
	fs.StringVar(&cfg.Model.ONNXMetadata, "onnx-metadata", cfg.Model.ONNXMetadata, "metadata for the ONNX export")
	fs.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "log level")
	fs.IntVar(&f.class, "class", -1, "class index to explain, -1 for the predicted class")
	fs.BoolVar(&f.stripOptimizer, "strip-optimizer", false, "remove optimizer state from the weights file and exit")
	fs.BoolVar(&f.printConfig, "print-config", false, "print the effective configuration as YAML and exit")
	return fs
}

func parseFlags(args []string) (*flags, error) {
	// Flag defaults come from the config file, so a first pass only
	// resolves -config
	var scratch flags
	scratchCfg := config.Default()
	first := newFlagSet(&scratch, &scratchCfg)
	first.SetOutput(io.Discard)
	if err := first.Parse(args); err != nil {
		// parse again with output so usage and errors are reported
		defaults := config.Default()
		return nil, newFlagSet(&flags{}, &defaults).Parse(args)
	}

	cfg, err := config.Load(scratch.config)
	if err != nil {
		return nil, err
	}

	f := &flags{}
	if err := newFlagSet(f, &cfg).Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	f.cfg = cfg
	return f, nil
}

func main() {
	f, err := parseFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "gradcam: %v\n", err)
		os.Exit(2)
	}

	log, err := logger.NewConsole(f.cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gradcam: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, f, os.Stdout, log); err != nil {
		log.Error().Err(err).Msg("gradcam failed")
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, f *flags, stdout io.Writer, log zerolog.Logger) error {
	cfg := f.cfg

	if f.printConfig {
		data, err := cfg.Marshal()
		if err != nil {
			return err
		}
		_, err = stdout.Write(data)
		return err
	}

	if f.stripOptimizer {
		removed, err := nn.StripOptimizerState(cfg.Model.Weights)
		if err != nil {
			return err
		}
		log.Info().Str("weights", cfg.Model.Weights).Int("removed", removed).Msg("stripped optimizer state")
		return nil
	}

	net, err := nn.Load(cfg.Model.Architecture, cfg.Model.Weights)
	if err != nil {
		return fmt.Errorf("failed to load model: %w", err)
	}
	log.Info().Str("model", net.Name).Int("layers", len(net.Layers())).Msg("model loaded")

	input, err := preprocess.LoadFile(cfg.Explain.Input, net.InputShape)
	if err != nil {
		return err
	}

	explainer := gradcam.New(net, render.JET{}, render.Bilinear{}, logger.Component(log, "gradcam"))
	exp, err := explainer.Explain(ctx, input, gradcam.Options{
		Class:         f.class,
		Layer:         cfg.Explain.Layer,
		SaliencyLayer: cfg.Explain.SaliencyLayer,
	})
	if err != nil {
		return err
	}

	if cfg.Model.ONNX != "" {
		if err := crossCheck(ctx, cfg.Model, input, exp, log); err != nil {
			return err
		}
	}

	if err := render.WriteJPEG(cfg.Explain.GradCAMOutput, exp.GradCAM); err != nil {
		return err
	}
	if err := render.WriteJPEG(cfg.Explain.GuidedOutput, exp.Guided); err != nil {
		return err
	}
	log.Info().
		Str("gradcam", cfg.Explain.GradCAMOutput).
		Str("guided", cfg.Explain.GuidedOutput).
		Msg("wrote explanations")
	return nil
}

// crossCheck compares the ONNX export's prediction with the native one
func crossCheck(ctx context.Context, mc config.ModelConfig, input *nn.Tensor, exp *gradcam.Explanation, log zerolog.Logger) error {
	server, err := model.NewServer(mc.ONNX, mc.ONNXMetadata, mc.ONNXLibrary)
	if err != nil {
		return err
	}
	defer server.Close()

	result, err := server.Predict(ctx, input)
	if err != nil {
		return err
	}
	native, err := model.NewPredictionResponse(server.Classes(), exp.Probabilities)
	if err != nil {
		return err
	}
	event := log.Info()
	if result.Class != native.Class {
		event = log.Warn()
	}
	event.Str("onnx_class", result.Class).
		Float32("onnx_confidence", result.Confidence).
		Str("native_class", native.Class).
		Float32("native_confidence", native.Confidence).
		Msg("onnx cross-check")
	return nil
}
