package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocx/backend/internal/domain"
)

func p(id, name string, createdAt time.Time) domain.Participant {
	return domain.Participant{ID: domain.ID(id), Kind: domain.ParticipantCharacterDirect, DisplayName: name, CreatedAt: createdAt}
}

func TestSingleUserConversationEveryoneResponds(t *testing.T) {
	o := New()
	t0 := time.Now()
	parts := []domain.Participant{p("b", "Bob", t0.Add(time.Second)), p("a", "Alice", t0)}
	conv := domain.Conversation{IsMultiUser: false}

	got := o.Decide(conv, parts, domain.Message{Content: "hello"}, nil)
	require.Equal(t, []domain.ID{"a", "b"}, got, "declared order is createdAt ascending")
}

func TestMultiUserMention(t *testing.T) {
	o := New()
	t0 := time.Now()
	parts := []domain.Participant{p("a", "Alice", t0), p("b", "Bob", t0.Add(time.Second))}
	conv := domain.Conversation{IsMultiUser: true, MaxUsers: 3}

	got := o.Decide(conv, parts, domain.Message{Content: "hey @Bob what do you think?"}, nil)
	require.Equal(t, []domain.ID{"a", "b"}, got, "with no suppression active a mention does not narrow the baseline responders")
}

func TestMultiUserDirectAddressAtStart(t *testing.T) {
	o := New()
	parts := []domain.Participant{p("a", "Alice", time.Now())}
	conv := domain.Conversation{IsMultiUser: true, MaxUsers: 3}

	got := o.Decide(conv, parts, domain.Message{Content: "Alice, what's your take?"}, nil)
	require.Equal(t, []domain.ID{"a"}, got)
}

func TestUserToUserSuppressionBlocksUnmentioned(t *testing.T) {
	o := New()
	parts := []domain.Participant{p("a", "Alice", time.Now())}
	conv := domain.Conversation{IsMultiUser: true, MaxUsers: 3}
	recent := []domain.Message{
		{SenderKind: domain.SenderUser, SenderRef: "user-1", Content: "did you see that movie"},
		{SenderKind: domain.SenderUser, SenderRef: "user-2", Content: "yeah it was great"},
	}

	got := o.Decide(conv, parts, domain.Message{Content: "totally agree"}, recent)
	require.Empty(t, got, "two consecutive distinct-human messages suppress unmentioned characters")
}

func TestContinuationKeepsRecentlyMentionedEligible(t *testing.T) {
	o := New()
	parts := []domain.Participant{p("a", "Alice", time.Now())}
	conv := domain.Conversation{IsMultiUser: true, MaxUsers: 3}
	recent := []domain.Message{
		{SenderKind: domain.SenderUser, SenderRef: "user-1", Content: "@Alice tell me a story"},
	}

	got := o.Decide(conv, parts, domain.Message{Content: "go on"}, recent)
	require.Equal(t, []domain.ID{"a"}, got)
}

func TestBaselineRespondContinuesOnceAnotherCharacterSpeaksWithoutMention(t *testing.T) {
	o := New()
	parts := []domain.Participant{p("a", "Alice", time.Now())}
	conv := domain.Conversation{IsMultiUser: true, MaxUsers: 3}
	recent := []domain.Message{
		{SenderKind: domain.SenderUser, SenderRef: "user-1", Content: "@Alice tell me a story"},
		{SenderKind: domain.SenderCharacter, SenderRef: "b", Content: "once upon a time..."},
	}

	got := o.Decide(conv, parts, domain.Message{Content: "go on"}, recent)
	require.Equal(t, []domain.ID{"a"}, got, "no suppression is active, so the baseline respond rule applies regardless of continuation")
}

func TestBaselineRespondWithNoMentionOrSuppression(t *testing.T) {
	o := New()
	t0 := time.Now()
	parts := []domain.Participant{p("a", "Alice", t0), p("b", "Bob", t0.Add(time.Second))}
	conv := domain.Conversation{IsMultiUser: true, MaxUsers: 3}

	got := o.Decide(conv, parts, domain.Message{Content: "hi"}, nil)
	require.Equal(t, []domain.ID{"a", "b"}, got, "with no suppression active every non-human participant responds by default")
}

func TestDeterminismGivenIdenticalInputs(t *testing.T) {
	o := New()
	t0 := time.Now()
	parts := []domain.Participant{p("a", "Alice", t0), p("b", "Bob", t0.Add(time.Second))}
	conv := domain.Conversation{IsMultiUser: true, MaxUsers: 3}
	msg := domain.Message{Content: "hey @Alice and @Bob, what do you two think?"}

	first := o.Decide(conv, parts, msg, nil)
	second := o.Decide(conv, parts, msg, nil)
	require.Equal(t, first, second)
}
