package engine

import (
	"strings"
	"time"

	"github.com/isdmx/runbox/apperror"
)

// Request is one execution request. Exactly one of the direct form
// (Language and Code) or the template form (TemplateID) must be set.
type Request struct {
	Language   string        `json:"language,omitempty"`
	Code       string        `json:"code,omitempty"`
	TemplateID *int64        `json:"templateId,omitempty"`
	Stdin      string        `json:"input,omitempty"`
	Timeout    time.Duration `json:"-"`
}

// IsTemplate reports whether the request references a stored template
func (r Request) IsTemplate() bool {
	return r.TemplateID != nil
}

// Validate checks that the request has exactly one well-formed form
func (r Request) Validate() error {
	if r.Timeout < 0 {
		return apperror.Validation("timeoutMs", "timeout must not be negative")
	}

	if r.IsTemplate() {
		if r.Language != "" || r.Code != "" {
			return apperror.Validation("templateId", "provide either templateId or language and code, not both")
		}
		if *r.TemplateID <= 0 {
			return apperror.Validation("templateId", "templateId must be a positive integer")
		}
		return nil
	}

	if strings.TrimSpace(r.Language) == "" {
		return apperror.Validation("language", "language is required")
	}
	if strings.TrimSpace(r.Code) == "" {
		return apperror.Validation("code", "code is required")
	}
	return nil
}
