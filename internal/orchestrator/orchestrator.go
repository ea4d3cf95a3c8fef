// Package orchestrator implements the AIOrchestrator (§4.5): turn
// arbitration deciding which non-human participants respond to a new
// message, and in what order.
package orchestrator

import (
	"regexp"
	"sort"
	"strings"

	"github.com/ocx/backend/internal/domain"
)

// RelevanceFunc is the optional semantic-relevance extensibility point.
// It must be deterministic given its inputs and side-effect free; the
// default always returns false (§4.5).
type RelevanceFunc func(participant domain.Participant, newMessage domain.Message, recent []domain.Message) bool

func defaultRelevance(domain.Participant, domain.Message, []domain.Message) bool { return false }

// Orchestrator decides responder order for one conversation turn.
type Orchestrator struct {
	Relevance RelevanceFunc
}

func New() *Orchestrator {
	return &Orchestrator{Relevance: defaultRelevance}
}

// Decide returns an ordered, deduplicated list of participant ids that
// should respond to newMessage, given recentMessages (most recent last,
// capped by the caller to K).
func (o *Orchestrator) Decide(conv domain.Conversation, participants []domain.Participant, newMessage domain.Message, recentMessages []domain.Message) []domain.ID {
	ordered := make([]domain.Participant, len(participants))
	copy(ordered, participants)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].CreatedAt.Before(ordered[j].CreatedAt) })

	relevance := o.Relevance
	if relevance == nil {
		relevance = defaultRelevance
	}

	var responders []domain.ID
	seen := map[domain.ID]bool{}
	add := func(id domain.ID) {
		if !seen[id] {
			seen[id] = true
			responders = append(responders, id)
		}
	}

	if !conv.IsMultiUser {
		for _, p := range ordered {
			if p.IsNonHuman() {
				add(p.ID)
			}
		}
		return responders
	}

	suppressed := userToUserSuppression(recentMessages)

	// Baseline: every non-human participant responds. User-to-user
	// suppression is the one rule that withholds a response, and even
	// then only for a participant with no mention, direct address, or
	// live continuation to override it (§4.5 rule 2).
	for _, p := range ordered {
		if !p.IsNonHuman() {
			continue
		}
		mentioned := isMentioned(p.DisplayName, newMessage.Content)
		addressed := isDirectlyAddressed(p.DisplayName, newMessage.Content)
		continuing := isMostRecentlyMentioned(p, ordered, recentMessages)

		if suppressed && !mentioned && !addressed && !continuing && !relevance(p, newMessage, recentMessages) {
			continue
		}
		add(p.ID)
	}
	return responders
}

// userToUserSuppression reports whether the last two messages were both
// from distinct human senders (§4.5 rule 2, "User-to-user suppression").
func userToUserSuppression(recent []domain.Message) bool {
	if len(recent) < 2 {
		return false
	}
	last := recent[len(recent)-1]
	prev := recent[len(recent)-2]
	return last.SenderKind == domain.SenderUser &&
		prev.SenderKind == domain.SenderUser &&
		last.SenderRef != prev.SenderRef
}

func wordBoundaryPattern(name string) *regexp.Regexp {
	escaped := regexp.QuoteMeta(name)
	return regexp.MustCompile(`(?i)\b` + escaped + `\b`)
}

// isMentioned matches an "@Name" token, case-insensitive, word-boundary.
func isMentioned(name, content string) bool {
	pattern := regexp.MustCompile(`(?i)@` + regexp.QuoteMeta(name) + `\b`)
	return pattern.MatchString(content)
}

// isDirectlyAddressed matches a name at the start of the utterance, or
// flanked by punctuation, or "(hey|hi) Name" (§4.5 rule 2).
func isDirectlyAddressed(name, content string) bool {
	trimmed := strings.TrimSpace(content)

	startPattern := regexp.MustCompile(`(?i)^` + regexp.QuoteMeta(name) + `\b`)
	if startPattern.MatchString(trimmed) {
		return true
	}

	flankedPattern := regexp.MustCompile(`(?i)[,?!]\s*` + regexp.QuoteMeta(name) + `\b|\b` + regexp.QuoteMeta(name) + `\s*[,?!]`)
	if flankedPattern.MatchString(trimmed) {
		return true
	}

	greetingPattern := regexp.MustCompile(`(?i)\b(hey|hi)\s+` + regexp.QuoteMeta(name) + `\b`)
	return greetingPattern.MatchString(trimmed)
}

// isMostRecentlyMentioned reports whether p was the last character
// mentioned within the supplied recent-messages window (§4.5
// "Continuation").
func isMostRecentlyMentioned(p domain.Participant, participants []domain.Participant, recent []domain.Message) bool {
	pattern := wordBoundaryPattern(p.DisplayName)
	for i := len(recent) - 1; i >= 0; i-- {
		if pattern.MatchString(recent[i].Content) {
			return true
		}
		for _, other := range participants {
			if other.ID != p.ID && other.IsNonHuman() && wordBoundaryPattern(other.DisplayName).MatchString(recent[i].Content) {
				// Another character was mentioned more recently.
				return false
			}
		}
		if recent[i].SenderKind == domain.SenderCharacter || recent[i].SenderKind == domain.SenderAssistant {
			// A different character spoke more recently without
			// mentioning this one; continuation eligibility ends.
			if recent[i].SenderRef != "" && recent[i].SenderRef != p.ID {
				return false
			}
		}
	}
	return false
}
