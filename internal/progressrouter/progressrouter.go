// Package progressrouter implements ProgressRouter (§4.8): trivial but
// contract-bearing glue forwarding JobEngine progress events to the
// SessionHub room for that job's owner/session. Holds no persistent
// state of its own.
package progressrouter

import (
	"strconv"

	"github.com/rs/zerolog"

	"github.com/ocx/backend/internal/domain"
	"github.com/ocx/backend/internal/sessionhub"
)

// RoomBroadcaster is the SessionHub slice ProgressRouter needs.
type RoomBroadcaster interface {
	BroadcastJobProgress(ownerUserID, sessionID string, p sessionhub.JobProgressPayload)
}

type Router struct {
	hub RoomBroadcaster
	log zerolog.Logger
}

func New(hub RoomBroadcaster, log zerolog.Logger) *Router {
	return &Router{hub: hub, log: log.With().Str("component", "progressrouter").Logger()}
}

// Route matches jobengine.ProgressSink's signature, so it can be passed
// directly as jobengine.WithProgressSink(router.Route).
func (r *Router) Route(job *domain.Job, p domain.JobProgress) {
	if job.OwnerUserID == "" || job.SessionID == "" {
		r.log.Debug().Str("jobId", job.ID).Msg("dropping progress event for job with no owner/session")
		return
	}
	r.hub.BroadcastJobProgress(job.OwnerUserID, job.SessionID, sessionhub.JobProgressPayload{
		SessionID: job.SessionID,
		Stage:     strconv.Itoa(p.Stage),
		Total:     p.Total,
		Message:   p.Message,
		Data:      p.Data,
	})
}
