// Package imagejob implements the multi-stage image dataset job (§6.4):
// a fixed four-stage REFERENCE_AVATAR → REFERENCE_FRONT → REFERENCE_SIDE
// → REFERENCE_BACK pipeline run as a jobengine.Handler, each stage
// uploading to ObjectStore at a content-addressed key and recording a
// DB row before advancing, so a crash mid-stage resumes without
// regenerating or double-billing a stage already uploaded (§7 "job
// retry with idempotence").
//
// ImageBackend and ObjectStore are the abstract out-of-scope
// collaborators named in spec.md §1; this package only depends on the
// narrow interfaces below, never a concrete provider.
package imagejob

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ocx/backend/internal/domain"
	"github.com/ocx/backend/internal/jobengine"
)

// JobType is the jobengine.Handler registration key for this package's
// Handle, and the job type POST /image-generation/character-dataset
// enqueues against (§6.4).
const JobType = "image_character_dataset"

// Stage is one of the four fixed reference-generation passes.
type Stage int

const (
	StageAvatar Stage = 1
	StageFront  Stage = 2
	StageSide   Stage = 3
	StageBack   Stage = 4
)

var stageNames = map[Stage]string{
	StageAvatar: "REFERENCE_AVATAR",
	StageFront:  "REFERENCE_FRONT",
	StageSide:   "REFERENCE_SIDE",
	StageBack:   "REFERENCE_BACK",
}

var orderedStages = []Stage{StageAvatar, StageFront, StageSide, StageBack}

// Prompt is the positive/negative text pair driving every stage.
type Prompt struct {
	Positive string
	Negative string
}

// ReferenceRequest is what ImageBackend needs to render one stage,
// given every reference image produced by prior stages (and any
// caller-supplied initial references, which are authoritative per §9
// Open Question #1).
type ReferenceRequest struct {
	CharacterID string
	Stage       string
	Prompt      Prompt
	References  [][]byte
}

// ImageBackend is the abstract image-generation collaborator (§1).
type ImageBackend interface {
	GenerateReference(ctx context.Context, req ReferenceRequest) ([]byte, error)
}

// ObjectStore is the abstract blob-storage collaborator (§1). Put is
// expected to be safe to call at most once per key under normal
// operation, but Exists lets the handler recognize a key already
// uploaded by a prior, crashed attempt at the same job.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Exists(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// ReferenceRows is the narrow relational slice for recording that a
// stage's row has been written — kept separate from
// store.RelationalStore because the characters/references schema is
// out of scope (§1) and owned elsewhere in the product.
type ReferenceRows interface {
	HasReferenceRow(ctx context.Context, characterID, stage string) (bool, error)
	InsertReferenceRow(ctx context.Context, characterID, stage, objectKey string) error
}

// Handler is the jobengine.Handler for the image-multi-stage job type.
type Handler struct {
	backend ImageBackend
	objects ObjectStore
	rows    ReferenceRows
	log     zerolog.Logger
}

func NewHandler(backend ImageBackend, objects ObjectStore, rows ReferenceRows, log zerolog.Logger) *Handler {
	return &Handler{backend: backend, objects: objects, rows: rows, log: log.With().Str("component", "imagejob").Logger()}
}

func objectKey(characterID string, stage Stage) string {
	return fmt.Sprintf("characters/%s/references/%s.png", characterID, stageNames[stage])
}

// Handle matches jobengine.Handler's signature.
func (h *Handler) Handle(ctx context.Context, job *domain.Job, reporter jobengine.ProgressReporter) (map[string]interface{}, *domain.JobError) {
	characterID, _ := job.Payload["characterId"].(string)
	positive, _ := job.Payload["positivePrompt"].(string)
	negative, _ := job.Payload["negativePrompt"].(string)
	prompt := Prompt{Positive: positive, Negative: negative}

	references, err := initialReferences(job)
	if err != nil {
		return nil, &domain.JobError{Code: "bad_payload", Message: err.Error(), Retryable: false}
	}

	if err := reporter.Report(ctx, domain.JobProgress{
		Stage:   0,
		Total:   len(orderedStages),
		Message: "starting",
		Data:    map[string]interface{}{"percent": 0},
	}); err != nil {
		h.log.Warn().Err(err).Msg("could not report progress")
	}

	producedKeys := make([]string, 0, len(orderedStages))
	for _, stage := range orderedStages {
		if reporter.Cancelled(ctx) {
			return nil, &domain.JobError{Code: "cancelled", Message: "job cancelled before stage " + stageNames[stage], Retryable: false}
		}

		key := objectKey(characterID, stage)
		alreadyRecorded, err := h.rows.HasReferenceRow(ctx, characterID, stageNames[stage])
		if err != nil {
			return nil, &domain.JobError{Code: "row_lookup_failed", Message: err.Error(), Retryable: true}
		}

		if !alreadyRecorded {
			uploaded, err := h.objects.Exists(ctx, key)
			if err != nil {
				return nil, &domain.JobError{Code: "object_lookup_failed", Message: err.Error(), Retryable: true}
			}
			if !uploaded {
				img, err := h.backend.GenerateReference(ctx, ReferenceRequest{
					CharacterID: characterID,
					Stage:       stageNames[stage],
					Prompt:      prompt,
					References:  references,
				})
				if err != nil {
					return nil, &domain.JobError{Code: "generation_failed", Message: err.Error(), Retryable: true}
				}
				if err := h.objects.Put(ctx, key, img); err != nil {
					return nil, &domain.JobError{Code: "upload_failed", Message: err.Error(), Retryable: true}
				}
			}
			if err := h.rows.InsertReferenceRow(ctx, characterID, stageNames[stage], key); err != nil {
				return nil, &domain.JobError{Code: "row_insert_failed", Message: err.Error(), Retryable: true}
			}
		}

		img, err := h.objects.Get(ctx, key)
		if err != nil {
			return nil, &domain.JobError{Code: "object_fetch_failed", Message: err.Error(), Retryable: true}
		}
		references = append(references, img)
		producedKeys = append(producedKeys, key)

		pct := int(stage) * 25
		if err := reporter.Report(ctx, domain.JobProgress{
			Stage:   int(stage),
			Total:   len(orderedStages),
			Message: stageNames[stage],
			Data:    map[string]interface{}{"percent": pct},
		}); err != nil {
			h.log.Warn().Err(err).Msg("could not report progress")
		}
	}

	return map[string]interface{}{"referenceKeys": producedKeys}, nil
}

func initialReferences(job *domain.Job) ([][]byte, error) {
	raw, ok := job.Payload["initialReferences"]
	if !ok {
		return nil, nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("initialReferences must be a list")
	}
	out := make([][]byte, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("initialReferences entries must be strings")
		}
		out = append(out, []byte(s))
	}
	return out, nil
}
