// Package inference runs the full explanation pipeline for one image:
// decode, classify, explain, render and encode.
package inference

import (
	"context"
	"crypto/sha256"
	"image"
	"math"
	"os"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/Brownie44l1/xray-gradcam/internal/failure"
	"github.com/Brownie44l1/xray-gradcam/internal/gradcam"
	"github.com/Brownie44l1/xray-gradcam/internal/imaging"
	"github.com/Brownie44l1/xray-gradcam/internal/model"
	"github.com/Brownie44l1/xray-gradcam/internal/overlay"
	"github.com/Brownie44l1/xray-gradcam/internal/tensor"
)

// Predictor produces class scores without recording gradients.
type Predictor interface {
	Predict(ctx context.Context, x *tensor.Tensor) ([]float32, error)
	Classes() []string
}

// Explainer produces a heatmap for one class of one input.
type Explainer interface {
	Generate(ctx context.Context, input *tensor.Tensor, classIndex *int) (*gradcam.Heatmap, error)
}

type Options struct {
	JPEGQuality int
	// CacheSize bounds the number of results remembered by image digest;
	// zero disables caching.
	CacheSize int
	Logger    *zap.Logger
}

type Service struct {
	predictor Predictor
	explainer Explainer
	classes   []string
	imageSize int
	mean, std []float32
	quality   int
	cache     *lru.Cache[[sha256.Size]byte, *Result]
	logger    *zap.Logger
}

func NewService(predictor Predictor, explainer Explainer, meta model.Metadata, opts Options) (*Service, error) {
	const op = "inference.NewService"
	if predictor == nil || explainer == nil {
		return nil, failure.Configurationf(op, "predictor and explainer are required")
	}
	classes := predictor.Classes()
	if len(classes) == 0 {
		return nil, failure.Configurationf(op, "predictor has no classes")
	}
	if meta.ImageSize <= 0 || len(meta.Mean) != 3 || len(meta.Std) != 3 {
		return nil, failure.Configurationf(op, "metadata needs image_size and 3-channel mean/std")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.JPEGQuality == 0 {
		opts.JPEGQuality = imaging.DefaultJPEGQuality
	}

	s := &Service{
		predictor: predictor,
		explainer: explainer,
		classes:   classes,
		imageSize: meta.ImageSize,
		mean:      meta.Mean,
		std:       meta.Std,
		quality:   opts.JPEGQuality,
		logger:    opts.Logger,
	}
	if opts.CacheSize > 0 {
		cache, err := lru.New[[sha256.Size]byte, *Result](opts.CacheSize)
		if err != nil {
			return nil, failure.Wrap(failure.Configuration, op, err)
		}
		s.cache = cache
	}
	return s, nil
}

func (s *Service) Classes() []string { return append([]string(nil), s.classes...) }

// InferFile reads an image from disk and runs Infer on it.
func (s *Service) InferFile(ctx context.Context, path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, failure.Wrap(failure.IO, "inference.InferFile", err)
	}
	return s.Infer(ctx, data)
}

// Infer classifies the image and explains the predicted class. Any failure
// fails the whole request; no partial result is returned.
func (s *Service) Infer(ctx context.Context, data []byte) (*Result, error) {
	const op = "inference.Infer"
	start := time.Now()

	key := sha256.Sum256(data)
	if s.cache != nil {
		if res, ok := s.cache.Get(key); ok {
			s.logger.Debug("result cache hit", zap.String("prediction", res.Prediction))
			return res.clone(), nil
		}
	}

	img, format, err := imaging.Decode(data)
	if err != nil {
		return nil, failure.Wrap(failure.IO, op, err)
	}
	original := imaging.ToRGBA(img)

	x, cls, err := s.classify(ctx, img)
	if err != nil {
		return nil, err
	}

	pred := tensor.ArgMax(probsOf(cls))
	hm, err := s.explainer.Generate(ctx, x, &pred)
	if err != nil {
		return nil, failure.Wrap(failure.Computation, op, err)
	}

	overlayImg, err := overlay.Render(hm, img)
	if err != nil {
		return nil, failure.Wrap(failure.Computation, op, err)
	}

	originalB64, err := imaging.EncodeBase64JPEG(original, s.quality)
	if err != nil {
		return nil, failure.Wrap(failure.IO, op, err)
	}
	gradcamB64, err := imaging.EncodeBase64JPEG(overlayImg, s.quality)
	if err != nil {
		return nil, failure.Wrap(failure.IO, op, err)
	}

	res := &Result{
		Prediction:     cls.Prediction,
		Confidence:     cls.Confidence,
		Probabilities:  cls.Probabilities,
		OriginalBase64: originalB64,
		GradcamBase64:  gradcamB64,
	}
	if s.cache != nil {
		s.cache.Add(key, res.clone())
	}

	b := img.Bounds()
	s.logger.Info("inference complete",
		zap.String("prediction", res.Prediction),
		zap.Float32("confidence", res.Confidence),
		zap.String("format", format),
		zap.Int("width", b.Dx()),
		zap.Int("height", b.Dy()),
		zap.Int("heatmap_width", hm.Width),
		zap.Int("heatmap_height", hm.Height),
		zap.Duration("elapsed", time.Since(start)))
	return res, nil
}

// Classify predicts the class of an encoded image without explaining it.
func (s *Service) Classify(ctx context.Context, data []byte) (*Classification, error) {
	img, _, err := imaging.Decode(data)
	if err != nil {
		return nil, failure.Wrap(failure.IO, "inference.Classify", err)
	}
	_, cls, err := s.classify(ctx, img)
	return cls, err
}

// ClassifyTensor predicts from an already normalized [1, 3, S, S] input
// given as flat CHW values.
func (s *Service) ClassifyTensor(ctx context.Context, values []float32) (*Classification, error) {
	x, err := tensor.New([]int{1, 3, s.imageSize, s.imageSize}, values)
	if err != nil {
		return nil, failure.Wrap(failure.Configuration, "inference.ClassifyTensor", err)
	}
	return s.scores(ctx, x)
}

func (s *Service) classify(ctx context.Context, img image.Image) (*tensor.Tensor, *Classification, error) {
	x, err := imaging.Normalize(img, s.imageSize, s.mean, s.std)
	if err != nil {
		return nil, nil, failure.Wrap(failure.Configuration, "inference.preprocess", err)
	}
	cls, err := s.scores(ctx, x)
	if err != nil {
		return nil, nil, err
	}
	return x, cls, nil
}

func (s *Service) scores(ctx context.Context, x *tensor.Tensor) (*Classification, error) {
	const op = "inference.classify"
	scores, err := s.predictor.Predict(ctx, x)
	if err != nil {
		return nil, failure.Wrap(failure.Computation, op, err)
	}
	if len(scores) != len(s.classes) {
		return nil, failure.Computationf(op, "model returned %d scores for %d classes", len(scores), len(s.classes))
	}
	for i, v := range scores {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, failure.Computationf(op, "model returned non-finite score %v for class %q", v, s.classes[i])
		}
	}
	probs := tensor.Softmax(scores)
	pred := tensor.ArgMax(probs)
	return &Classification{
		Prediction:    s.classes[pred],
		Confidence:    probs[pred],
		Probabilities: newProbabilities(s.classes, probs),
	}, nil
}

func probsOf(c *Classification) []float32 {
	out := make([]float32, len(c.Probabilities))
	for i, cp := range c.Probabilities {
		out[i] = cp.Probability
	}
	return out
}

func (r *Result) clone() *Result {
	cp := *r
	cp.Probabilities = append(Probabilities(nil), r.Probabilities...)
	return &cp
}
