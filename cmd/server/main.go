package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/rs/zerolog"

	"github.com/Brownie44l1/fer-explain/internal/config"
	"github.com/Brownie44l1/fer-explain/internal/gradcam"
	"github.com/Brownie44l1/fer-explain/internal/handlers"
	"github.com/Brownie44l1/fer-explain/internal/logger"
	"github.com/Brownie44l1/fer-explain/internal/model"
	"github.com/Brownie44l1/fer-explain/internal/nn"
	"github.com/Brownie44l1/fer-explain/internal/render"
)

func main() {
	cfg, err := config.Load(os.Getenv(config.EnvConfigPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	base, err := logger.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, base); err != nil {
		logger.Component(base, "server").Fatal().Err(err).Msg("server failed")
	}
}

// run serves until the listener fails. base carries no component field;
// each component tags its own logger.
func run(cfg config.Config, base zerolog.Logger) error {
	log := logger.Component(base, "server")

	log.Info().Str("architecture", cfg.Model.Architecture).Str("weights", cfg.Model.Weights).Msg("loading model")
	net, err := nn.Load(cfg.Model.Architecture, cfg.Model.Weights)
	if err != nil {
		return fmt.Errorf("failed to load model: %w", err)
	}

	// Predictions go through the ONNX export when one is configured
	var classifier model.Classifier = model.NewNative(net)
	if cfg.Model.ONNX != "" {
		modelServer, err := model.NewServer(cfg.Model.ONNX, cfg.Model.ONNXMetadata, cfg.Model.ONNXLibrary)
		if err != nil {
			return fmt.Errorf("failed to initialize model server: %w", err)
		}
		defer modelServer.Close()
		classifier = modelServer
		log.Info().Str("onnx", cfg.Model.ONNX).Msg("using ONNX runtime for predictions")
	}

	explainer := gradcam.New(net, render.JET{}, render.Bilinear{}, logger.Component(base, "gradcam"))
	handler := handlers.NewHandler(classifier, explainer, handlers.Options{
		Layer:          cfg.Explain.Layer,
		SaliencyLayer:  cfg.Explain.SaliencyLayer,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		Encode:         render.EncodeJPEG,
	})

	route := func(h http.HandlerFunc) http.HandlerFunc {
		return handlers.EnableCORS(handlers.WithRequestID(log, h))
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", route(handler.Health))
	mux.HandleFunc("/predict", route(handler.Predict))
	mux.HandleFunc("/predict/image", route(handler.PredictFromImage))
	mux.HandleFunc("/explain/image", route(handler.ExplainFromImage))

	log.Info().
		Str("port", cfg.Server.Port).
		Strs("classes", classifier.Classes()).
		Str("layer", cfg.Explain.Layer).
		Msg("server starting")
	log.Info().Msgf("upload test: curl -X POST -F \"image=@face.jpg\" http://localhost:%s/explain/image", cfg.Server.Port)

	return http.ListenAndServe(":"+cfg.Server.Port, mux)
}
