// Package darknet runs legacy YOLO cfg/weights models through the OpenCV DNN
// module and exposes OpenCV's NMS as a detection.Suppressor.
package darknet

import (
	"context"
	"fmt"
	"image"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"github.com/menta2k/image-detector/pkg/detection"
	"github.com/menta2k/image-detector/pkg/types"
)

// Config holds the model files and preprocessing size
type Config struct {
	WeightsPath string
	ConfigPath  string
	NamesPath   string
	InputSize   int
	UseOpenCL   bool
}

// Backend is a loaded darknet network
type Backend struct {
	mu           sync.Mutex
	net          gocv.Net
	outputLayers []string
	classes      []string
	size         int
	log          logrus.FieldLogger
}

// New reads the network and class table. The OpenCL target is requested
// when enabled; if it cannot be set the network stays on the CPU.
func New(cfg Config, log logrus.FieldLogger) (*Backend, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.InputSize <= 0 {
		cfg.InputSize = 416
	}
	if _, err := os.Stat(cfg.WeightsPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("weights file not found: %s", cfg.WeightsPath)
	}
	if _, err := os.Stat(cfg.ConfigPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", cfg.ConfigPath)
	}

	classes, err := detection.LoadClassNames(cfg.NamesPath)
	if err != nil {
		return nil, err
	}

	net := gocv.ReadNet(cfg.WeightsPath, cfg.ConfigPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load network from %s", cfg.WeightsPath)
	}

	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		log.WithError(err).Warn("could not set default DNN backend")
	}
	target := gocv.NetTargetCPU
	if cfg.UseOpenCL {
		target = gocv.NetTargetOpenCL
	}
	if err := net.SetPreferableTarget(target); err != nil {
		log.WithError(err).Warn("OpenCL target unavailable, continuing on CPU")
		net.SetPreferableTarget(gocv.NetTargetCPU)
	}

	b := &Backend{
		net:          net,
		outputLayers: outputLayerNames(&net),
		classes:      classes,
		size:         cfg.InputSize,
		log:          log,
	}
	log.WithFields(logrus.Fields{
		"weights": cfg.WeightsPath,
		"classes": len(classes),
		"outputs": b.outputLayers,
	}).Info("darknet model loaded")
	return b, nil
}

func outputLayerNames(net *gocv.Net) []string {
	layerNames := net.GetLayerNames()
	var names []string
	for _, i := range net.GetUnconnectedOutLayers() {
		if i-1 >= 0 && i-1 < len(layerNames) {
			names = append(names, layerNames[i-1])
		}
	}
	return names
}

// Infer runs a forward pass and returns every raw output row
func (b *Backend) Infer(ctx context.Context, img image.Image) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("failed to convert image: %w", err)
	}
	defer mat.Close()
	if mat.Empty() {
		return nil, fmt.Errorf("converted image is empty")
	}

	blob := gocv.BlobFromImage(mat, 1.0/255.0, image.Pt(b.size, b.size), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.net.SetInput(blob, "")
	outputs := b.net.ForwardLayers(b.outputLayers)
	defer func() {
		for i := range outputs {
			outputs[i].Close()
		}
	}()

	var rows [][]float32
	for _, output := range outputs {
		for i := 0; i < output.Rows(); i++ {
			row := make([]float32, output.Cols())
			for j := range row {
				row[j] = output.GetFloatAt(i, j)
			}
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// Classes returns the class table read from the names file
func (b *Backend) Classes() []string {
	return b.classes
}

// Close releases the network
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.net.Empty() {
		return b.net.Close()
	}
	return nil
}

// NMSBoxes is a detection.Suppressor backed by OpenCV
func NMSBoxes(boxes []types.Box, scores []float64, scoreThreshold, nmsThreshold float64) []int {
	if len(boxes) == 0 {
		return nil
	}
	rects := make([]image.Rectangle, len(boxes))
	confs := make([]float32, len(scores))
	for i := range boxes {
		rects[i] = boxes[i].Rect()
		confs[i] = float32(scores[i])
	}
	return gocv.NMSBoxes(rects, confs, float32(scoreThreshold), float32(nmsThreshold))
}

var _ detection.Suppressor = NMSBoxes
