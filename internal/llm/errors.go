package llm

import (
	"errors"
	"fmt"

	"github.com/jeebuddy/tutor/internal/reliability"
)

// ErrEmptyResponse marks a completion that returned no usable text.
var ErrEmptyResponse = errors.New("empty model response")

// ProviderError is the single failure type returned by providers.
type ProviderError struct {
	Provider   string
	Model      string
	Code       reliability.Code
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s/%s: %s (status %d): %v", e.Provider, e.Model, e.Code, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s/%s: %s: %v", e.Provider, e.Model, e.Code, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// AsProviderError normalizes err into a *ProviderError attributed to the
// given provider and model.
func AsProviderError(provider, model string, err error) *ProviderError {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	return &ProviderError{
		Provider: provider,
		Model:    model,
		Code:     reliability.ClassifyError(err),
		Err:      err,
	}
}
