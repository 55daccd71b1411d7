package client

import (
	"context"
)

// VisionClient sends a prompt plus a base64 image to a vision language model
// and returns its text answer
type VisionClient interface {
	SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error)
}
