package setup

import (
	"context"

	"github.com/stephens/remo-bridge/internal/remo"
)

// RemoValidator validates tokens by calling users/me
type RemoValidator struct {
	BaseURL string
}

// Validate returns the client's classified error when the token does not work
func (v RemoValidator) Validate(ctx context.Context, token string) error {
	client, err := remo.NewClient(remo.Options{BaseURL: v.BaseURL, AccessToken: token})
	if err != nil {
		return &remo.AuthError{Body: err.Error()}
	}
	return client.TestConnection(ctx)
}
