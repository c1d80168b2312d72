package server

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
)

// Envelope is the body of every JSON response
type Envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data"`
	Code    int    `json:"code"`
}

// jsonResponse writes a JSON response
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[server] error encoding JSON response: %v", err)
	}
}

// ok writes a successful envelope
func (s *Server) ok(w http.ResponseWriter, status int, message string, data any) {
	s.jsonResponse(w, status, Envelope{Success: true, Message: message, Data: data, Code: status})
}

// errorResponse writes a failed envelope with the given status
func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, Envelope{Success: false, Message: message, Code: status})
}

// fail maps err to a status and writes it. Internal errors are logged and their
// details withheld from the client.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := HTTPStatus(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		log.Printf("[server] %s %s failed: %v", r.Method, r.URL.Path, err)
		message = http.StatusText(status)
	}
	s.errorResponse(w, status, message)
}

// decodeJSON decodes an optional JSON body into dst. An empty body leaves dst unchanged.
func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
