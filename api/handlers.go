package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/isdmx/runbox/apperror"
	"github.com/isdmx/runbox/engine"
	"github.com/isdmx/runbox/sandbox"
)

type executeRequest struct {
	Language   string `json:"language"`
	Code       string `json:"code"`
	TemplateID *int64 `json:"templateId"`
	Input      string `json:"input"`
	TimeoutMs  int64  `json:"timeoutMs"`
}

type executeResponse struct {
	ID        string  `json:"id"`
	Output    string  `json:"output"`
	Errors    *string `json:"errors"`
	Truncated bool    `json:"truncated"`
}

type templateExecuteRequest struct {
	Input     string `json:"input"`
	TimeoutMs int64  `json:"timeoutMs"`
}

type templateExecuteResponse struct {
	ID     string `json:"id"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

type languageResponse struct {
	Name      string   `json:"name"`
	Aliases   []string `json:"aliases"`
	Extension string   `json:"extension"`
	Compiled  bool     `json:"compiled"`
	Image     string   `json:"image,omitempty"`
}

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	result, ok := s.execute(w, r, engine.Request{
		Language:   req.Language,
		Code:       req.Code,
		TemplateID: req.TemplateID,
		Stdin:      req.Input,
		Timeout:    time.Duration(req.TimeoutMs) * time.Millisecond,
	})
	if !ok {
		return
	}

	resp := executeResponse{
		ID:        result.ID,
		Output:    result.Stdout,
		Truncated: result.Truncated,
	}
	if result.Stderr != "" {
		resp.Errors = &result.Stderr
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleExecuteTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, r, apperror.Validation("templateId", "templateId must be an integer"))
		return
	}

	var req templateExecuteRequest
	if r.ContentLength != 0 {
		if err := s.decode(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	result, ok := s.execute(w, r, engine.Request{
		TemplateID: &id,
		Stdin:      req.Input,
		Timeout:    time.Duration(req.TimeoutMs) * time.Millisecond,
	})
	if !ok {
		return
	}

	s.writeJSON(w, http.StatusOK, templateExecuteResponse{
		ID:     result.ID,
		Stdout: result.Stdout,
		Stderr: result.Stderr,
	})
}

func (s *Server) handleListLanguages(w http.ResponseWriter, _ *http.Request) {
	profiles := s.executor.Languages()
	out := make([]languageResponse, 0, len(profiles))
	for _, p := range profiles {
		aliases := p.ID.Aliases()
		if aliases == nil {
			aliases = []string{}
		}
		out = append(out, languageResponse{
			Name:      p.Name(),
			Aliases:   aliases,
			Extension: p.FileExtension,
			Compiled:  p.Compiled(),
			Image:     p.IsolationImage,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

// execute runs req and writes the error response when the request was
// rejected or the execution did not complete.
func (s *Server) execute(w http.ResponseWriter, r *http.Request, req engine.Request) (sandbox.Result, bool) {
	result, err := s.executor.Execute(r.Context(), req)
	if err == nil {
		err = result.Err()
	}
	if err != nil {
		s.writeError(w, r, err)
		return result, false
	}
	return result, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperror.Validation("body", "request body too large")
		}
		return apperror.Validation("body", "invalid JSON body")
	}
	return nil
}
