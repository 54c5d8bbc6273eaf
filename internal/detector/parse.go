package detector

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/example/yolo-explorer/internal/domain"
)

type rawDetection struct {
	BBox       *[]*float64 `json:"bbox"`
	Label      *string     `json:"label"`
	Confidence *float64    `json:"confidence"`
}

// ParseOutput decodes and validates detector stdout.
// The output must be exactly one JSON array; surrounding whitespace is allowed.
func ParseOutput(out []byte) ([]domain.Detection, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return nil, errors.New("empty output")
	}
	if trimmed[0] != '[' {
		return nil, errors.New("output is not a JSON array")
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))

	var raw []rawDetection
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after JSON array")
	}

	detections := make([]domain.Detection, 0, len(raw))
	for i, r := range raw {
		d, err := r.validate()
		if err != nil {
			return nil, fmt.Errorf("detection %d: %w", i, err)
		}
		detections = append(detections, d)
	}
	return detections, nil
}

func (r rawDetection) validate() (domain.Detection, error) {
	var d domain.Detection

	if r.Label == nil || strings.TrimSpace(*r.Label) == "" {
		return d, errors.New("label is missing or empty")
	}
	d.Label = *r.Label

	if r.Confidence == nil {
		return d, errors.New("confidence is missing")
	}
	conf := *r.Confidence
	if !finite(conf) || conf < 0 || conf > 1 {
		return d, fmt.Errorf("confidence %v outside [0,1]", conf)
	}
	d.Confidence = conf

	if r.BBox == nil {
		return d, errors.New("bbox is missing")
	}
	if len(*r.BBox) != 4 {
		return d, fmt.Errorf("bbox has %d coordinates, want 4", len(*r.BBox))
	}
	for i, v := range *r.BBox {
		if v == nil || !finite(*v) {
			return d, fmt.Errorf("bbox[%d] is not a finite number", i)
		}
		d.BBox[i] = *v
	}
	return d, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
