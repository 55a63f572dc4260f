package vision

import (
	"errors"
	"fmt"
	"image"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/mikeyg42/classycam/internal/config"
	"github.com/mikeyg42/classycam/internal/stream"
	"github.com/mikeyg42/classycam/internal/tracker"
)

// ============================================================================
//  YOLO DETECTOR
// ============================================================================

type inferenceTarget struct {
	name    string
	backend gocv.NetBackendType
	target  gocv.NetTargetType
}

var (
	targetCUDA = inferenceTarget{"cuda", gocv.NetBackendCUDA, gocv.NetTargetCUDA}
	targetCPU  = inferenceTarget{"cpu", gocv.NetBackendDefault, gocv.NetTargetCPU}
)

// Detector runs a YOLOv8 ONNX model through the OpenCV DNN module.
type Detector struct {
	mu         sync.Mutex
	net        gocv.Net
	classes    []string
	inputSize  int
	confidence float32
	nms        float32
	device     string
	logger     *zap.Logger
}

// NewDetector loads the model, trying CUDA first when PreferGPU is set and an
// NVIDIA GPU is visible. Each target must survive a test inference.
func NewDetector(cfg config.DetectorConfig, logger *zap.Logger) (*Detector, error) {
	if logger == nil {
		logger = zap.L()
	}
	logger = logger.Named("detector")

	if cfg.ModelPath == "" {
		return nil, errors.New("no model path configured")
	}
	// OpenCV aborts the process on a missing file, so check first.
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("model file: %w", err)
	}
	classes, err := loadClasses(cfg.ClassesPath)
	if err != nil {
		return nil, err
	}

	targets := []inferenceTarget{targetCPU}
	if cfg.PreferGPU && hasNVIDIAGPU() {
		targets = []inferenceTarget{targetCUDA, targetCPU}
	}

	inputSize := cfg.InputSize
	if inputSize <= 0 {
		inputSize = 640
	}

	var lastErr error
	for _, t := range targets {
		net := gocv.ReadNetFromONNX(cfg.ModelPath)
		if net.Empty() {
			_ = net.Close()
			return nil, fmt.Errorf("failed to read model %s", cfg.ModelPath)
		}
		if err := net.SetPreferableBackend(t.backend); err != nil {
			logger.Warn("failed to set inference backend", zap.String("target", t.name), zap.Error(err))
		}
		if err := net.SetPreferableTarget(t.target); err != nil {
			logger.Warn("failed to set inference target", zap.String("target", t.name), zap.Error(err))
		}

		d := &Detector{
			net:        net,
			classes:    classes,
			inputSize:  inputSize,
			confidence: float32(cfg.ConfidenceThreshold),
			nms:        float32(cfg.NMSThreshold),
			device:     t.name,
			logger:     logger,
		}

		start := time.Now()
		if err := d.selfTest(); err != nil {
			logger.Warn("inference target failed test inference, trying next",
				zap.String("target", t.name), zap.Error(err))
			_ = net.Close()
			lastErr = err
			continue
		}

		logger.Info("detector ready",
			zap.String("model", cfg.ModelPath),
			zap.String("target", t.name),
			zap.Int("classes", len(classes)),
			zap.Duration("test_inference", time.Since(start)))
		return d, nil
	}
	return nil, fmt.Errorf("no inference target could run the model: %w", lastErr)
}

func (d *Detector) selfTest() error {
	blank := gocv.NewMatWithSize(d.inputSize, d.inputSize, gocv.MatTypeCV8UC3)
	defer blank.Close()
	_, err := d.detect(&blank)
	return err
}

// Device reports which inference target is in use.
func (d *Detector) Device() string { return d.device }

func (d *Detector) Detect(frame stream.Frame) ([]tracker.Detection, error) {
	mat, err := matOf(frame)
	if err != nil {
		return nil, err
	}
	return d.detect(mat)
}

func (d *Detector) detect(mat *gocv.Mat) ([]tracker.Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	blob := gocv.BlobFromImage(*mat, 1.0/255.0, image.Pt(d.inputSize, d.inputSize),
		gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	defer out.Close()

	dims := out.Size()
	if len(dims) != 3 || dims[0] != 1 {
		return nil, fmt.Errorf("unexpected model output shape %v", dims)
	}
	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("reading model output: %w", err)
	}

	// YOLOv8 exports [1, 4+classes, anchors]; some tools transpose it.
	attrs, anchors, transposed := dims[1], dims[2], false
	if attrs > anchors {
		attrs, anchors, transposed = anchors, attrs, true
	}
	if attrs <= 4 || len(data) < attrs*anchors {
		return nil, fmt.Errorf("unexpected model output shape %v", dims)
	}

	frameSize := image.Pt(mat.Cols(), mat.Rows())
	scale := [2]float64{
		float64(frameSize.X) / float64(d.inputSize),
		float64(frameSize.Y) / float64(d.inputSize),
	}
	cands := decodeYOLO(data, attrs, anchors, transposed, scale, d.confidence)
	if len(cands) == 0 {
		return nil, nil
	}

	boxes := make([]image.Rectangle, len(cands))
	scores := make([]float32, len(cands))
	for i, c := range cands {
		boxes[i] = c.box
		scores[i] = c.score
	}
	keep := gocv.NMSBoxes(boxes, scores, d.confidence, d.nms)

	dets := make([]tracker.Detection, 0, len(keep))
	for _, i := range keep {
		c := cands[i]
		r := c.box.Intersect(image.Rectangle{Max: frameSize})
		if r.Empty() {
			continue
		}
		dets = append(dets, tracker.Detection{
			Class:      className(d.classes, c.class),
			Confidence: float64(c.score),
			BBox:       tracker.BBox{X1: r.Min.X, Y1: r.Min.Y, X2: r.Max.X, Y2: r.Max.Y},
		})
	}
	return dets, nil
}

// Close releases the network.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}

type candidate struct {
	box   image.Rectangle
	score float32
	class int
}

// decodeYOLO turns a raw YOLOv8 head into scored boxes in frame pixels. Each
// anchor holds cx, cy, w, h in model-input pixels followed by one score per
// class. The layout is [attr][anchor] unless transposed.
func decodeYOLO(data []float32, attrs, anchors int, transposed bool, scale [2]float64, threshold float32) []candidate {
	at := func(anchor, attr int) float32 {
		if transposed {
			return data[anchor*attrs+attr]
		}
		return data[attr*anchors+anchor]
	}

	var out []candidate
	for a := range anchors {
		best, bestScore := -1, float32(0)
		for c := 4; c < attrs; c++ {
			if s := at(a, c); s > bestScore {
				best, bestScore = c-4, s
			}
		}
		if best < 0 || bestScore < threshold {
			continue
		}

		cx, cy := float64(at(a, 0)), float64(at(a, 1))
		w, h := float64(at(a, 2)), float64(at(a, 3))
		out = append(out, candidate{
			box: image.Rect(
				int((cx-w/2)*scale[0]), int((cy-h/2)*scale[1]),
				int((cx+w/2)*scale[0]), int((cy+h/2)*scale[1])),
			score: bestScore,
			class: best,
		})
	}
	return out
}

// hasNVIDIAGPU asks the driver tooling whether a GPU is visible. OpenCV
// builds without CUDA still fail the test inference and fall back to CPU.
func hasNVIDIAGPU() bool {
	if _, err := exec.LookPath("nvidia-smi"); err != nil {
		return false
	}
	out, err := exec.Command("nvidia-smi", "-L").Output()
	return err == nil && strings.Contains(string(out), "GPU")
}

// LoadDetector builds the YOLO detector. When the model cannot be loaded and
// cfg.Required is false the stream runs with stream.PassthroughDetector
// instead. The returned close func is never nil.
func LoadDetector(cfg config.DetectorConfig, logger *zap.Logger) (stream.Detector, func(), error) {
	if logger == nil {
		logger = zap.L()
	}
	d, err := NewDetector(cfg, logger)
	if err == nil {
		return d, func() { _ = d.Close() }, nil
	}
	if cfg.Required {
		return nil, func() {}, fmt.Errorf("loading detector: %w", err)
	}
	logger.Warn("detector unavailable, streaming without detections", zap.Error(err))
	return stream.PassthroughDetector{}, func() {}, nil
}
