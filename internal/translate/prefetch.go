// ABOUTME: Background translation pre-generation for multi-party rooms
// ABOUTME: Detects the message language and fans out to other members' preferred languages

package translate

import (
	"context"
	"log/slog"

	"github.com/abadojack/whatlanggo"
	"github.com/samber/lo"

	"github.com/parlor-chat/parlor-gateway/internal/store"
)

// Translator is the external translation engine contract.
type Translator interface {
	Translate(ctx context.Context, content, targetLang string) (string, error)
}

// Prefetcher computes translation targets for a new message and pre-generates
// translations. It runs detached from the message flow; its failures are
// logged and never surface to the sender.
type Prefetcher struct {
	translator Translator
	logger     *slog.Logger
}

// NewPrefetcher creates a prefetcher over the given engine.
func NewPrefetcher(translator Translator, logger *slog.Logger) *Prefetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prefetcher{
		translator: translator,
		logger:     logger.With("component", "translate"),
	}
}

// TargetLanguages returns the distinct preferred languages of members other
// than the sender who opted into auto-translation, excluding the language the
// message itself appears to be written in.
func (p *Prefetcher) TargetLanguages(content, senderID string, members []*store.RoomMember) []string {
	detected := whatlanggo.Detect(content).Lang.Iso6391()

	langs := lo.FilterMap(members, func(m *store.RoomMember, _ int) (string, bool) {
		if m.UserID == senderID || !m.AutoTranslate || m.Language == "" {
			return "", false
		}
		if m.Language == detected {
			return "", false
		}
		return m.Language, true
	})
	return lo.Uniq(langs)
}

// Prefetch translates the message into every target language and returns the
// completed batch. Per-language failures are logged and omitted from the
// batch; an empty batch with no error means nothing needed translating.
func (p *Prefetcher) Prefetch(ctx context.Context, msg *store.Message, members []*store.RoomMember) map[string]string {
	targets := p.TargetLanguages(msg.Content, msg.SenderID, members)
	if len(targets) == 0 {
		return nil
	}

	translations := make(map[string]string, len(targets))
	for _, lang := range targets {
		text, err := p.translator.Translate(ctx, msg.Content, lang)
		if err != nil {
			p.logger.Warn("translation failed",
				"message_id", msg.ID, "lang", lang, "error", err)
			continue
		}
		translations[lang] = text
	}
	return translations
}

// Tagging is a development translator that tags content with the target
// language instead of translating it. The real engine is external.
type Tagging struct{}

// Translate implements Translator.
func (Tagging) Translate(_ context.Context, content, targetLang string) (string, error) {
	return "[" + targetLang + "] " + content, nil
}

// Ensure Tagging implements Translator.
var _ Translator = Tagging{}
