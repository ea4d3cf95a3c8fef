package progressrouter

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ocx/backend/internal/domain"
	"github.com/ocx/backend/internal/sessionhub"
)

type fakeBroadcaster struct {
	calls []struct {
		owner, session string
		payload        sessionhub.JobProgressPayload
	}
}

func (f *fakeBroadcaster) BroadcastJobProgress(ownerUserID, sessionID string, p sessionhub.JobProgressPayload) {
	f.calls = append(f.calls, struct {
		owner, session string
		payload        sessionhub.JobProgressPayload
	}{ownerUserID, sessionID, p})
}

func TestRouteForwardsToOwnerSessionRoom(t *testing.T) {
	fb := &fakeBroadcaster{}
	r := New(fb, zerolog.Nop())

	job := &domain.Job{ID: "job-1", OwnerUserID: "u1", SessionID: "sess-1"}
	r.Route(job, domain.JobProgress{Stage: 2, Total: 5, Message: "generating"})

	require.Len(t, fb.calls, 1)
	require.Equal(t, "u1", fb.calls[0].owner)
	require.Equal(t, "sess-1", fb.calls[0].session)
	require.Equal(t, "2", fb.calls[0].payload.Stage)
	require.Equal(t, 5, fb.calls[0].payload.Total)
}

func TestRouteDropsEventsWithoutOwnerOrSession(t *testing.T) {
	fb := &fakeBroadcaster{}
	r := New(fb, zerolog.Nop())

	r.Route(&domain.Job{ID: "job-2", OwnerUserID: "", SessionID: "sess-1"}, domain.JobProgress{Stage: 1})
	r.Route(&domain.Job{ID: "job-3", OwnerUserID: "u1", SessionID: ""}, domain.JobProgress{Stage: 1})

	require.Empty(t, fb.calls)
}
