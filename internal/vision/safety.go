package vision

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/kiranshivaraju/gymvision/pkg/models"
	"golang.org/x/sync/errgroup"
)

// NSFWScore reduces classifier output to a probability. A single value is a
// logit read through a sigmoid; multiple values are softmaxed and the
// probabilities at unsafe are summed.
func NSFWScore(logits []float32, unsafe []int) (float64, error) {
	switch len(logits) {
	case 0:
		return 0, fmt.Errorf("%w: empty classifier output", ErrUnexpectedOutput)
	case 1:
		return 1 / (1 + math.Exp(-float64(logits[0]))), nil
	}

	maxLogit := math.Inf(-1)
	for _, l := range logits {
		maxLogit = math.Max(maxLogit, float64(l))
	}
	var sum float64
	probs := make([]float64, len(logits))
	for i, l := range logits {
		probs[i] = math.Exp(float64(l) - maxLogit)
		sum += probs[i]
	}
	var score float64
	for _, i := range unsafe {
		if i < 0 || i >= len(probs) {
			return 0, fmt.Errorf("%w: label index %d outside %d classes", ErrUnexpectedOutput, i, len(probs))
		}
		score += probs[i] / sum
	}
	return math.Min(math.Max(score, 0), 1), nil
}

// Detections decodes a person detector output into filtered, de-duplicated
// boxes in normalised frame coordinates, highest score first.
//
// A trailing dimension of 6 is a post-NMS list of
// [x1,y1,x2,y2,score,classId] rows. Any other trailing size of at least 5 is
// a dense grid of [cx,cy,w,h,obj,classProbs...] rows.
func Detections(out Tensor, spec InputSpec, cfg DetectorConfig) ([]models.PersonBox, error) {
	if len(out.Shape) < 2 {
		return nil, fmt.Errorf("%w: detector output rank %d", ErrUnexpectedOutput, len(out.Shape))
	}
	stride := int(out.Shape[len(out.Shape)-1])
	data := out.Floats()
	if stride < 5 || len(data)%stride != 0 {
		return nil, fmt.Errorf("%w: detector row size %d", ErrUnexpectedOutput, stride)
	}

	frameW, frameH := float64(spec.Width), float64(spec.Height)
	var boxes []models.PersonBox
	for off := 0; off+stride <= len(data); off += stride {
		row := data[off : off+stride]
		var x1, y1, x2, y2, score float64
		if stride == 6 {
			if int(row[5]) != cfg.PersonClass {
				continue
			}
			x1, y1, x2, y2 = float64(row[0]), float64(row[1]), float64(row[2]), float64(row[3])
			score = float64(row[4])
		} else {
			score = float64(row[4])
			if stride > 5 {
				if 5+cfg.PersonClass >= stride {
					return nil, fmt.Errorf("%w: person class %d outside %d classes", ErrUnexpectedOutput, cfg.PersonClass, stride-5)
				}
				score *= float64(row[5+cfg.PersonClass])
			}
			cx, cy, w, h := float64(row[0]), float64(row[1]), float64(row[2]), float64(row[3])
			x1, y1, x2, y2 = cx-w/2, cy-h/2, cx+w/2, cy+h/2
		}
		if score < cfg.Confidence {
			continue
		}
		box, ok := normalizeBox(x1, y1, x2, y2, frameW, frameH)
		if !ok || !keepBox(box, frameW, frameH, cfg) {
			continue
		}
		box.Score = score
		boxes = append(boxes, box)
	}
	return suppress(boxes, cfg.IoU), nil
}

// normalizeBox maps pixel coordinates into [0,1]. Boxes whose coordinates
// are all within [0,1] are taken as already normalised.
func normalizeBox(x1, y1, x2, y2, w, h float64) (models.PersonBox, bool) {
	if math.Max(math.Max(x1, x2), math.Max(y1, y2)) > 1 {
		x1, x2 = x1/w, x2/w
		y1, y2 = y1/h, y2/h
	}
	clamp := func(v float64) float64 { return math.Min(math.Max(v, 0), 1) }
	b := models.PersonBox{X1: clamp(x1), Y1: clamp(y1), X2: clamp(x2), Y2: clamp(y2)}
	return b, b.X2 > b.X1 && b.Y2 > b.Y1
}

func keepBox(b models.PersonBox, frameW, frameH float64, cfg DetectorConfig) bool {
	bw, bh := b.X2-b.X1, b.Y2-b.Y1
	area := bw * bh
	if area < cfg.MinArea || area > cfg.MaxArea {
		return false
	}
	aspect := (bw * frameW) / (bh * frameH)
	return aspect >= cfg.MinAspect && aspect <= cfg.MaxAspect
}

func iou(a, b models.PersonBox) float64 {
	ix := math.Max(0, math.Min(a.X2, b.X2)-math.Max(a.X1, b.X1))
	iy := math.Max(0, math.Min(a.Y2, b.Y2)-math.Max(a.Y1, b.Y1))
	inter := ix * iy
	union := (a.X2-a.X1)*(a.Y2-a.Y1) + (b.X2-b.X1)*(b.Y2-b.Y1) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// suppress is greedy non-maximum suppression.
func suppress(boxes []models.PersonBox, threshold float64) []models.PersonBox {
	sort.SliceStable(boxes, func(i, j int) bool { return boxes[i].Score > boxes[j].Score })
	if threshold <= 0 {
		return boxes
	}
	var kept []models.PersonBox
	for _, b := range boxes {
		overlap := false
		for _, k := range kept {
			if iou(b, k) > threshold {
				overlap = true
				break
			}
		}
		if !overlap {
			kept = append(kept, b)
		}
	}
	return kept
}

// SafetyChecker runs the NSFW classifier and the person detector.
type SafetyChecker struct {
	nsfw     *LazySession
	detector *LazySession
	cfg      SafetyConfig
	unsafe   []int
}

var _ models.SafetyChecker = (*SafetyChecker)(nil)

func NewSafetyChecker(nsfw, detector *LazySession, cfg SafetyConfig) (*SafetyChecker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	unsafe, _ := cfg.NSFW.unsafeIndices()
	return &SafetyChecker{nsfw: nsfw, detector: detector, cfg: cfg, unsafe: unsafe}, nil
}

// Check decodes the image once and runs both models concurrently.
func (c *SafetyChecker) Check(ctx context.Context, image []byte) (models.SafetyResult, error) {
	img, err := DecodeImage(image)
	if err != nil {
		return models.SafetyResult{}, err
	}

	var (
		score float64
		boxes []models.PersonBox
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := c.nsfw.Get(gctx)
		if err != nil {
			return err
		}
		spec, err := SpecFromShape(s.InputShape(), c.cfg.NSFW.InputSize)
		if err != nil {
			return err
		}
		input, err := ToTensor(img, spec, Normalization{Mean: c.cfg.NSFW.Mean, Std: c.cfg.NSFW.Std})
		if err != nil {
			return err
		}
		outputs, err := s.Run(gctx, input, spec.Shape())
		if err != nil {
			return fmt.Errorf("run nsfw model: %w", err)
		}
		if len(outputs) == 0 {
			return fmt.Errorf("%w: nsfw model returned no outputs", ErrUnexpectedOutput)
		}
		score, err = NSFWScore(outputs[0].Floats(), c.unsafe)
		return err
	})
	g.Go(func() error {
		s, err := c.detector.Get(gctx)
		if err != nil {
			return err
		}
		spec, err := SpecFromShape(s.InputShape(), c.cfg.Detector.InputSize)
		if err != nil {
			return err
		}
		input, err := ToTensor(img, spec, Identity)
		if err != nil {
			return err
		}
		outputs, err := s.Run(gctx, input, spec.Shape())
		if err != nil {
			return fmt.Errorf("run person detector: %w", err)
		}
		if len(outputs) == 0 {
			return fmt.Errorf("%w: person detector returned no outputs", ErrUnexpectedOutput)
		}
		boxes, err = Detections(outputs[0], spec, c.cfg.Detector)
		return err
	})
	if err := g.Wait(); err != nil {
		return models.SafetyResult{}, err
	}

	return models.SafetyResult{
		NSFWScore:   score,
		HasPerson:   len(boxes) > 0,
		PersonCount: len(boxes),
		PersonBoxes: boxes,
	}, nil
}
