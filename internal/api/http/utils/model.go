package utils

import (
	"encoding/json"
	"errors"
	"net/http"

	"sdnlab/internal/errdefs"
)

type ApiResponse struct {
	Status  string `json:"status"` // success | fail
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// ErrorDetail is the data of a failed response.
type ErrorDetail struct {
	Class    string `json:"class"`
	Target   string `json:"target,omitempty"`
	Command  string `json:"command,omitempty"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

func DecodeRequestBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return nil
}

func WriteJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

func RespondSuccess(w http.ResponseWriter, statusCode int, message string, data any) {
	WriteJson(w, statusCode, ApiResponse{
		Status:  "success",
		Message: message,
		Data:    data,
	})
}

func RespondFail(w http.ResponseWriter, statusCode int, message string, data any) {
	WriteJson(w, statusCode, ApiResponse{
		Status:  "fail",
		Message: message,
		Data:    data,
	})
}

// StatusFor maps the error taxonomy onto HTTP status codes.
func StatusFor(err error) int {
	switch errdefs.Class(err) {
	case "ValidationError":
		return http.StatusBadRequest
	case "NotFoundError":
		return http.StatusNotFound
	case "StateConflictError":
		return http.StatusConflict
	case "ExternalCommandError":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// RespondError writes err with its class and, for node or switch
// failures, the captured command output.
func RespondError(w http.ResponseWriter, err error) {
	detail := ErrorDetail{Class: errdefs.Class(err)}
	var xe *errdefs.ExternalCommandError
	if errors.As(err, &xe) {
		detail.Target = xe.Target
		detail.Command = xe.Command
		detail.Stdout = xe.Stdout
		detail.Stderr = xe.Stderr
		if xe.ExitCode >= 0 {
			code := xe.ExitCode
			detail.ExitCode = &code
		}
	}
	RespondFail(w, StatusFor(err), err.Error(), detail)
}
