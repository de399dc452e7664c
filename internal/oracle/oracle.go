// ABOUTME: Selection oracle contract: which AI participants respond, and sensitivity
// ABOUTME: Ships a rule-based default; production deployments plug in a classifier

package oracle

import (
	"context"
	"log/slog"
	"strings"

	"github.com/samber/lo"

	"github.com/parlor-chat/parlor-gateway/internal/store"
)

// Selection is the oracle's verdict for one turn.
type Selection struct {
	ParticipantIDs []string // ordered set of responding AI participants
	Sensitive      bool     // requires-mature-handling flag, feeds the cost surcharge
}

// Oracle decides which AI participants respond to a message and classifies
// its sensitivity. The call may fail or be slow; callers must fail fast and
// perform no further side effects on error.
type Oracle interface {
	Select(ctx context.Context, room *store.Room, members []*store.RoomMember, msg *store.Message) (*Selection, error)
}

// RuleOracle is the built-in selection: mentioned bots respond if any are
// mentioned, otherwise every bot in the room does. Sensitivity comes from the
// room flag or a keyword screen.
type RuleOracle struct {
	keywords []string
	logger   *slog.Logger
}

// NewRuleOracle creates the default oracle. Extra sensitivity keywords may be
// supplied on top of the built-in list.
func NewRuleOracle(extraKeywords []string, logger *slog.Logger) *RuleOracle {
	if logger == nil {
		logger = slog.Default()
	}
	keywords := append([]string{"nsfw", "mature", "explicit"}, extraKeywords...)
	return &RuleOracle{
		keywords: keywords,
		logger:   logger.With("component", "oracle"),
	}
}

// Select implements Oracle.
func (o *RuleOracle) Select(_ context.Context, room *store.Room, members []*store.RoomMember, msg *store.Message) (*Selection, error) {
	bots := lo.Filter(members, func(m *store.RoomMember, _ int) bool {
		return m.Kind == store.MemberKindBot
	})

	mentioned := lo.Filter(bots, func(m *store.RoomMember, _ int) bool {
		return isMentioned(msg.Content, m)
	})
	responding := bots
	if len(mentioned) > 0 {
		responding = mentioned
	}

	sel := &Selection{
		ParticipantIDs: lo.Map(responding, func(m *store.RoomMember, _ int) string {
			return m.UserID
		}),
		Sensitive: room.Sensitive || o.hasSensitiveKeyword(msg.Content),
	}

	o.logger.Debug("participants selected",
		"room_id", room.ID,
		"message_id", msg.ID,
		"responding", len(sel.ParticipantIDs),
		"sensitive", sel.Sensitive,
	)
	return sel, nil
}

// isMentioned checks for an @display-name or @user-id mention.
func isMentioned(content string, m *store.RoomMember) bool {
	lower := strings.ToLower(content)
	if m.DisplayName != "" && strings.Contains(lower, "@"+strings.ToLower(m.DisplayName)) {
		return true
	}
	return strings.Contains(lower, "@"+strings.ToLower(m.UserID))
}

func (o *RuleOracle) hasSensitiveKeyword(content string) bool {
	lower := strings.ToLower(content)
	for _, kw := range o.keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Ensure RuleOracle implements Oracle.
var _ Oracle = (*RuleOracle)(nil)
