package telegram

import (
	"context"
	"errors"
)

// ErrTransportNotConfigured is returned by the disabled client. Deployments
// wire a concrete platform transport in place of it.
var ErrTransportNotConfigured = errors.New("telegram transport not configured")

var _ Client = (*DisabledClient)(nil)

// DisabledClient satisfies Client when no transport is wired. Every call
// fails with ErrTransportNotConfigured; dedup and operator surfaces keep
// working on already collected items.
type DisabledClient struct{}

func NewDisabledClient() *DisabledClient {
	return &DisabledClient{}
}

func (*DisabledClient) ResolveEntity(ctx context.Context, channelID int64) (*Entity, error) {
	return nil, ErrTransportNotConfigured
}

func (*DisabledClient) IterateMessages(ctx context.Context, entity *Entity, minID int64, limit int) ([]Message, error) {
	return nil, ErrTransportNotConfigured
}

func (*DisabledClient) FetchBytes(ctx context.Context, ref MessageRef, destPath string, progress ProgressFunc) (string, error) {
	return "", ErrTransportNotConfigured
}
