package imagejob

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ocx/backend/internal/domain"
)

type fakeBackend struct {
	calls []string
}

func (f *fakeBackend) GenerateReference(ctx context.Context, req ReferenceRequest) ([]byte, error) {
	f.calls = append(f.calls, req.Stage)
	return []byte("img:" + req.Stage), nil
}

type fakeObjects struct {
	data map[string][]byte
	puts int
}

func newFakeObjects() *fakeObjects { return &fakeObjects{data: map[string][]byte{}} }

func (f *fakeObjects) Put(ctx context.Context, key string, data []byte) error {
	f.puts++
	f.data[key] = data
	return nil
}
func (f *fakeObjects) Exists(ctx context.Context, key string) (bool, error) {
	_, ok := f.data[key]
	return ok, nil
}
func (f *fakeObjects) Get(ctx context.Context, key string) ([]byte, error) { return f.data[key], nil }

type fakeRows struct {
	recorded map[string]bool
}

func newFakeRows() *fakeRows { return &fakeRows{recorded: map[string]bool{}} }

func (f *fakeRows) HasReferenceRow(ctx context.Context, characterID, stage string) (bool, error) {
	return f.recorded[characterID+":"+stage], nil
}
func (f *fakeRows) InsertReferenceRow(ctx context.Context, characterID, stage, objectKey string) error {
	f.recorded[characterID+":"+stage] = true
	return nil
}

type fakeReporter struct {
	progresses []domain.JobProgress
	cancelled  bool
}

func (f *fakeReporter) Report(ctx context.Context, p domain.JobProgress) error {
	f.progresses = append(f.progresses, p)
	return nil
}
func (f *fakeReporter) Cancelled(ctx context.Context) bool { return f.cancelled }

func TestHandleRunsAllFourStagesInOrder(t *testing.T) {
	backend := &fakeBackend{}
	objects := newFakeObjects()
	rows := newFakeRows()
	h := NewHandler(backend, objects, rows, zerolog.Nop())

	job := &domain.Job{Payload: map[string]interface{}{
		"characterId":    "char-1",
		"positivePrompt": "a friendly robot",
		"negativePrompt": "blurry",
	}}
	rep := &fakeReporter{}

	result, jobErr := h.Handle(context.Background(), job, rep)
	require.Nil(t, jobErr)
	require.Equal(t, []string{"REFERENCE_AVATAR", "REFERENCE_FRONT", "REFERENCE_SIDE", "REFERENCE_BACK"}, backend.calls)
	require.Len(t, result["referenceKeys"], 4)
	require.Equal(t, 4, objects.puts)
	require.Len(t, rep.progresses, 5)
	require.Equal(t, 0, rep.progresses[0].Data["percent"])
	require.Equal(t, 100, rep.progresses[4].Data["percent"])
}

func TestHandleResumesWithoutRegeneratingUploadedStage(t *testing.T) {
	backend := &fakeBackend{}
	objects := newFakeObjects()
	rows := newFakeRows()
	h := NewHandler(backend, objects, rows, zerolog.Nop())

	// Simulate a crash after stage 3's upload but before its DB row.
	objects.data[objectKey("char-1", StageAvatar)] = []byte("img:REFERENCE_AVATAR")
	rows.recorded["char-1:REFERENCE_AVATAR"] = true
	objects.data[objectKey("char-1", StageFront)] = []byte("img:REFERENCE_FRONT")
	rows.recorded["char-1:REFERENCE_FRONT"] = true
	objects.data[objectKey("char-1", StageSide)] = []byte("img:REFERENCE_SIDE")
	// no row recorded for SIDE yet — simulates the crash window

	job := &domain.Job{Payload: map[string]interface{}{"characterId": "char-1"}}
	rep := &fakeReporter{}

	result, jobErr := h.Handle(context.Background(), job, rep)
	require.Nil(t, jobErr)
	require.Equal(t, []string{"REFERENCE_BACK"}, backend.calls, "only the never-generated stage should call the backend")
	require.Equal(t, 1, objects.puts, "SIDE's upload must not be repeated, only BACK's")
	require.True(t, rows.recorded["char-1:REFERENCE_SIDE"], "the missing row for SIDE must still get recorded")
	require.Len(t, result["referenceKeys"], 4)
}

func TestHandleStopsOnCancellation(t *testing.T) {
	backend := &fakeBackend{}
	objects := newFakeObjects()
	rows := newFakeRows()
	h := NewHandler(backend, objects, rows, zerolog.Nop())

	job := &domain.Job{Payload: map[string]interface{}{"characterId": "char-1"}}
	rep := &fakeReporter{cancelled: true}

	_, jobErr := h.Handle(context.Background(), job, rep)
	require.NotNil(t, jobErr)
	require.Equal(t, "cancelled", jobErr.Code)
	require.Empty(t, backend.calls)
}
