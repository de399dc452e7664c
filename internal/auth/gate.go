// ABOUTME: Per-operation access gate checking room membership
// ABOUTME: Denials reject only the operation; the connection stays open

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAccessDenied indicates the user is not a member of the room.
// Delivered only to the caller, never broadcast.
var ErrAccessDenied = errors.New("access denied")

// MembershipChecker is the external capability query the gate consults.
type MembershipChecker interface {
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
}

// Gate re-checks room membership on every operation (join, send, typing).
// Results are not cached across calls.
type Gate struct {
	members MembershipChecker
	logger  *slog.Logger
}

// NewGate creates a gate backed by the given membership source.
func NewGate(members MembershipChecker, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		members: members,
		logger:  logger.With("component", "access-gate"),
	}
}

// Check returns ErrAccessDenied if the user is not a member of the room.
// Lookup failures are reported as errors distinct from denial.
func (g *Gate) Check(ctx context.Context, roomID, userID string) error {
	ok, err := g.members.IsMember(ctx, roomID, userID)
	if err != nil {
		return fmt.Errorf("membership lookup: %w", err)
	}
	if !ok {
		g.logger.Debug("access denied", "room_id", roomID, "user_id", userID)
		return ErrAccessDenied
	}
	return nil
}
