package httpapi

import (
	"fmt"

	"codearena/internal/enum"
)

const (
	minPromptLength   = 10
	minRunsPerSession = 1
	maxRunsPerSession = 6
)

// ValidationError is returned when a create-session request fails input
// validation, mapped to a 400 by the handler.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// validate enforces spec.md section 6's "1 to 6 provider/model pairs and a
// prompt of >= 10 characters" rule.
func (req createSessionRequest) validate() error {
	if len(req.Prompt) < minPromptLength {
		return &ValidationError{Message: fmt.Sprintf("prompt must be at least %d characters", minPromptLength)}
	}
	if len(req.Models) < minRunsPerSession || len(req.Models) > maxRunsPerSession {
		return &ValidationError{Message: fmt.Sprintf("models must contain between %d and %d entries", minRunsPerSession, maxRunsPerSession)}
	}
	for i, m := range req.Models {
		if !enum.Provider(m.Provider).Valid() {
			return &ValidationError{Message: fmt.Sprintf("models[%d]: unrecognized provider %q", i, m.Provider)}
		}
		if m.Model == "" {
			return &ValidationError{Message: fmt.Sprintf("models[%d]: model must not be empty", i)}
		}
	}
	return nil
}
