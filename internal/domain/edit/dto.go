package edit

// SubmitRequest is the body of POST /api/v1/edits.
type SubmitRequest struct {
	Prompt      string `json:"prompt" validate:"required,notblank,max=2000"`
	Filename    string `json:"filename" validate:"required,filename,max=255"`
	ImageBase64 string `json:"imageBase64" validate:"required"`
}

// SubmitResponse is returned once the provider accepted the edit.
type SubmitResponse struct {
	RequestID string `json:"request_id"`
	JobID     string `json:"job_id"`
}

// StatusResponse reports a job's state to pollers.
type StatusResponse struct {
	Status    string `json:"status"`
	ResultURL string `json:"result_url,omitempty"`
	Error     string `json:"error,omitempty"`
	RequestID string `json:"request_id"`
}

// CallbackRequest is a status push from the generation provider.
type CallbackRequest struct {
	RequestID string `json:"request_id" validate:"required"`
	Status    string `json:"status" validate:"required,oneof=processing success failed"`
	ResultURL string `json:"result_url"`
	Error     string `json:"error"`
}
