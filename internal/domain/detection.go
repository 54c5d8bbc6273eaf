package domain

import "time"

// Detection is one labeled bounding box emitted by the detector.
// BBox holds x1, y1, x2, y2 in pixel space of the original image.
type Detection struct {
	BBox       [4]float64 `json:"bbox"`
	Label      string     `json:"label"`
	Confidence float64    `json:"confidence"`
}

// DetectionRecord is the durable result of one upload.
type DetectionRecord struct {
	ID         string      `json:"id"`
	ImagePath  string      `json:"imagePath"`
	Detections []Detection `json:"detections"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Upload carries the raw file received by the ingress.
type Upload struct {
	FieldName string
	Filename  string
	Data      []byte
}
