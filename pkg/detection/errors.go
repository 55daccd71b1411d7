package detection

import "fmt"

// InferenceError reports a backend failure during a detect call
type InferenceError struct {
	Kind Kind
	Err  error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("%s inference failed: %v", e.Kind, e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}

func inferenceError(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &InferenceError{Kind: kind, Err: err}
}
