package model

// Prediction is the body of a successful /predict response. GradCAM is
// serialized as base64 PNG, or null when it was not requested or failed.
type Prediction struct {
	ClassProbs    map[string]float64 `json:"class_probs"`
	RiskLevel     string             `json:"risk_level"`
	DiseaseNameKO string             `json:"disease_name_ko"`
	DiseaseNameEN string             `json:"disease_name_en"`
	GradCAM       []byte             `json:"grad_cam_bytes"`
}

type Health struct {
	Status          string   `json:"status"`
	Classifiers     []string `json:"classifiers"`
	Inpainting      string   `json:"inpainting"`
	SuperResolution bool     `json:"super_resolution"`
	ClassOrder      []string `json:"class_order"`
	RiskTable       string   `json:"risk_table"`
}

type ErrorResponse struct {
	Detail    string `json:"detail"`
	RequestID string `json:"request_id,omitempty"`
}
