// Package oracle wraps the external reasoning service. The engine only
// sees the Provider interface; tests substitute a mock.
package oracle

import "context"

// Prompt is one rendered request: a system persona and the user body
// carrying market state plus the analysis transcript.
type Prompt struct {
	System string
	User   string
}

// Provider issues one prompt and returns the raw free-form response.
// Implementations must honor ctx cancellation.
type Provider interface {
	ID() string
	Call(ctx context.Context, p Prompt) (string, error)
}
