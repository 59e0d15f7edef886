package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/Brownie44l1/fer-explain/internal/gradcam"
	"github.com/Brownie44l1/fer-explain/internal/model"
	"github.com/Brownie44l1/fer-explain/internal/nn"
	"github.com/Brownie44l1/fer-explain/internal/preprocess"
)

// Encoder turns an explanation image into file bytes
type Encoder func(img *gradcam.Image) ([]byte, error)

// Options configures the explanation endpoint
type Options struct {
	Layer          string
	SaliencyLayer  string
	MaxUploadBytes int64
	Encode         Encoder
}

type Handler struct {
	classifier model.Classifier
	explainer  *gradcam.Explainer
	opts       Options
}

func NewHandler(classifier model.Classifier, explainer *gradcam.Explainer, opts Options) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	return &Handler{
		classifier: classifier,
		explainer:  explainer,
		opts:       opts,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy"})
}

// Predict classifies a JSON array of raw pixel values in HWC order
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	log := zerolog.Ctx(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	var req model.PredictionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	input, err := preprocess.FromValues(req.Image, h.classifier.InputShape())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := h.classifier.Predict(r.Context(), input)
	if inputError(err) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("prediction failed")
		http.Error(w, "Prediction failed", http.StatusInternalServerError)
		return
	}

	log.Info().Str("class", result.Class).Float32("confidence", result.Confidence).Msg("prediction")
	writeJSON(w, result)
}

func (h *Handler) PredictFromImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	log := zerolog.Ctx(r.Context())

	file, ok := h.formImage(w, r)
	if !ok {
		return
	}
	defer file.Close()

	input, format, err := preprocess.Decode(file, h.classifier.InputShape())
	if err != nil {
		http.Error(w, "Invalid image format. Supported: JPEG, PNG", http.StatusBadRequest)
		return
	}
	log.Debug().Str("format", format).Ints("input_shape", input.Shape).Msg("decoded upload")

	result, err := h.classifier.Predict(r.Context(), input)
	if inputError(err) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("prediction failed")
		http.Error(w, "Prediction failed", http.StatusInternalServerError)
		return
	}

	log.Info().Str("class", result.Class).Float32("confidence", result.Confidence).Msg("prediction")
	writeJSON(w, result)
}

// ExplainFromImage returns the prediction with Grad-CAM and Guided Grad-CAM
// images for an uploaded face. The optional "class" form field selects the
// class to explain instead of the predicted one.
func (h *Handler) ExplainFromImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	log := zerolog.Ctx(r.Context())

	file, ok := h.formImage(w, r)
	if !ok {
		return
	}
	defer file.Close()

	class := -1
	if v := r.FormValue("class"); v != "" {
		c, err := strconv.Atoi(v)
		if err != nil || c < 0 {
			http.Error(w, "class must be a non-negative integer", http.StatusBadRequest)
			return
		}
		class = c
	}

	input, _, err := preprocess.Decode(file, h.explainer.Model().InputShape)
	if err != nil {
		http.Error(w, "Invalid image format. Supported: JPEG, PNG", http.StatusBadRequest)
		return
	}

	exp, err := h.explainer.Explain(r.Context(), input, gradcam.Options{
		Class:         class,
		Layer:         h.opts.Layer,
		SaliencyLayer: h.opts.SaliencyLayer,
	})
	if errors.Is(err, gradcam.ErrClassOutOfRange) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("explanation failed")
		http.Error(w, "Explanation failed", http.StatusInternalServerError)
		return
	}

	camJPEG, err := h.opts.Encode(exp.GradCAM)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode gradcam")
		http.Error(w, "Explanation failed", http.StatusInternalServerError)
		return
	}
	guidedJPEG, err := h.opts.Encode(exp.Guided)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode guided gradcam")
		http.Error(w, "Explanation failed", http.StatusInternalServerError)
		return
	}

	prediction, err := model.NewPredictionResponse(h.explainer.Model().Classes, exp.Probabilities)
	if err != nil {
		log.Error().Err(err).Msg("explanation has no class scores")
		http.Error(w, "Explanation failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, model.ExplanationResponse{
		RequestID:     RequestID(r.Context()),
		Class:         exp.Label,
		ClassIndex:    exp.Class,
		Confidence:    exp.Probabilities[exp.Class],
		Predictions:   prediction.Predictions,
		GradCAM:       base64.StdEncoding.EncodeToString(camJPEG),
		GuidedGradCAM: base64.StdEncoding.EncodeToString(guidedJPEG),
	})
}

// formImage parses the multipart upload and opens its "image" field
func (h *Handler) formImage(w http.ResponseWriter, r *http.Request) (multipart.File, bool) {
	if err := r.ParseMultipartForm(h.opts.MaxUploadBytes); err != nil {
		http.Error(w, "Failed to parse form", http.StatusBadRequest)
		return nil, false
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		http.Error(w, "No image file provided. Use 'image' as the form field name", http.StatusBadRequest)
		return nil, false
	}
	zerolog.Ctx(r.Context()).Debug().
		Str("filename", header.Filename).
		Int64("size", header.Size).
		Msg("received file")
	return file, true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// inputError reports whether err was caused by the request payload
func inputError(err error) bool {
	return errors.Is(err, nn.ErrShapeMismatch) || errors.Is(err, nn.ErrBatchSize)
}
