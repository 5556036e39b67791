package utils

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// MaxBodyBytes bounds request bodies read by DecodeJSON.
const MaxBodyBytes = 1 << 20

// SuccessResponse represents a generic success response
type SuccessResponse struct {
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	return write(w, "application/json", status, data)
}

// WriteProblem writes an RFC 7807 problem body as application/problem+json
func WriteProblem(w http.ResponseWriter, status int, problem interface{}) error {
	return write(w, "application/problem+json", status, problem)
}

func write(w http.ResponseWriter, contentType string, status int, data interface{}) error {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)

	if data == nil {
		return nil
	}

	return json.NewEncoder(w).Encode(data)
}

// WriteOK writes a 200 OK response with optional data
func WriteOK(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, SuccessResponse{Data: data})
}

// DecodeJSON reads a single JSON object from the request body into dst.
// Unknown fields and trailing data are rejected.
func DecodeJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return &ValidationError{Message: "request body is required", Fields: map[string]string{}}
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return &ValidationError{Message: "request body is required", Fields: map[string]string{}}
		}
		return &ValidationError{
			Message: fmt.Sprintf("invalid JSON body: %v", err),
			Fields:  map[string]string{},
		}
	}
	if dec.More() {
		return &ValidationError{Message: "request body must contain a single JSON object", Fields: map[string]string{}}
	}
	return nil
}
