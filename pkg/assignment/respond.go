package assignment

import (
	"context"

	"github.com/cuemby/keeper/pkg/types"
)

// RespondToPeers runs the respond phase of a checkin: before issuing any
// new requests, the worker serves outstanding group votes and at most one
// direct transfer.
func (p *Protocol) RespondToPeers(ctx context.Context, owned types.Assignment, latestStreamID int64) error {
	if err := p.RespondGroup(ctx, owned, latestStreamID); err != nil {
		return err
	}
	return p.RespondDirect(ctx, owned)
}
