package vision

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SafetyConfig holds the label sets and detection filters of the safety
// models. It can be overridden from a YAML file.
type SafetyConfig struct {
	NSFW     NSFWConfig     `yaml:"nsfw"`
	Detector DetectorConfig `yaml:"detector"`
}

// NSFWConfig describes the classifier output. A single-logit model ignores
// Labels and is read through a sigmoid.
type NSFWConfig struct {
	// Labels names the classifier outputs in order.
	Labels []string `yaml:"labels"`
	// Unsafe lists the labels whose softmax probabilities are summed.
	Unsafe    []string   `yaml:"unsafe"`
	Mean      [3]float32 `yaml:"mean"`
	Std       [3]float32 `yaml:"std"`
	InputSize int        `yaml:"input_size"`
}

// DetectorConfig filters raw person detections.
type DetectorConfig struct {
	PersonClass int     `yaml:"person_class"`
	Confidence  float64 `yaml:"confidence"`
	MinArea     float64 `yaml:"min_area"`
	MaxArea     float64 `yaml:"max_area"`
	MinAspect   float64 `yaml:"min_aspect"`
	MaxAspect   float64 `yaml:"max_aspect"`
	IoU         float64 `yaml:"iou"`
	InputSize   int     `yaml:"input_size"`
}

// DefaultSafetyConfig matches a five-class NSFW classifier and a COCO
// person detector.
func DefaultSafetyConfig() SafetyConfig {
	return SafetyConfig{
		NSFW: NSFWConfig{
			Labels:    []string{"drawings", "hentai", "neutral", "porn", "sexy"},
			Unsafe:    []string{"hentai", "porn", "sexy"},
			Mean:      [3]float32{0, 0, 0},
			Std:       [3]float32{1, 1, 1},
			InputSize: 224,
		},
		Detector: DetectorConfig{
			PersonClass: 0,
			Confidence:  0.35,
			MinArea:     0.01,
			MaxArea:     0.98,
			MinAspect:   0.15,
			MaxAspect:   4.0,
			IoU:         0.45,
			InputSize:   640,
		},
	}
}

// LoadSafetyConfig reads path over the defaults. An empty path returns the
// defaults.
func LoadSafetyConfig(path string) (SafetyConfig, error) {
	cfg := DefaultSafetyConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return SafetyConfig{}, fmt.Errorf("read safety config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return SafetyConfig{}, fmt.Errorf("parse safety config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return SafetyConfig{}, fmt.Errorf("safety config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks label references and filter bounds.
func (c SafetyConfig) Validate() error {
	if _, err := c.NSFW.unsafeIndices(); err != nil {
		return err
	}
	d := c.Detector
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("detector.confidence must be within [0,1], got %v", d.Confidence)
	}
	if d.MinArea < 0 || d.MaxArea > 1 || d.MinArea > d.MaxArea {
		return fmt.Errorf("detector area bounds [%v,%v] must satisfy 0 <= min <= max <= 1", d.MinArea, d.MaxArea)
	}
	if d.MinAspect <= 0 || d.MinAspect > d.MaxAspect {
		return fmt.Errorf("detector aspect bounds [%v,%v] must satisfy 0 < min <= max", d.MinAspect, d.MaxAspect)
	}
	if d.PersonClass < 0 {
		return fmt.Errorf("detector.person_class must be >= 0, got %d", d.PersonClass)
	}
	return nil
}

func (n NSFWConfig) unsafeIndices() ([]int, error) {
	index := make(map[string]int, len(n.Labels))
	for i, l := range n.Labels {
		index[l] = i
	}
	out := make([]int, 0, len(n.Unsafe))
	for _, l := range n.Unsafe {
		i, ok := index[l]
		if !ok {
			return nil, fmt.Errorf("nsfw.unsafe label %q is not in nsfw.labels", l)
		}
		out = append(out, i)
	}
	return out, nil
}
