package documents

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Verify/internal/adapters/sqlstore"
	"github.com/dkeye/Verify/internal/core"
	"github.com/dkeye/Verify/internal/domain"
)

type memObjects struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	types   map[string]string
	failPut bool
	seq     int
}

func newMemObjects() *memObjects {
	return &memObjects{blobs: make(map[string][]byte), types: make(map[string]string)}
}

func (o *memObjects) Put(_ context.Context, namespace, mediaType string, body io.Reader) (string, int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failPut {
		return "", 0, errors.New("bucket unavailable")
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", 0, err
	}
	o.seq++
	ref := fmt.Sprintf("mem:%s/%d", namespace, o.seq)
	o.blobs[ref] = data
	o.types[ref] = mediaType
	return ref, int64(len(data)), nil
}

func (o *memObjects) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	data, ok := o.blobs[ref]
	if !ok {
		return nil, errors.New("not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (o *memObjects) Delete(_ context.Context, ref string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.blobs, ref)
	return nil
}

func (o *memObjects) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.blobs)
}

// failingDocs rejects every insert after delegating reads.
type failingDocs struct {
	core.DocumentStore
}

func (failingDocs) InsertDocument(context.Context, *domain.SessionDocument) error {
	return errors.New("constraint failed")
}

func newStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	s, err := sqlstore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func scheduled(t *testing.T, s *sqlstore.Store) *domain.VideoSession {
	t.Helper()
	vs, err := s.Schedule(context.Background(), domain.ScheduleRequest{
		UserID:           "user-1",
		ScheduledAt:      time.Now().Add(time.Hour),
		VerificationType: domain.VerificationIdentity,
	})
	require.NoError(t, err)
	return vs
}

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestUploadCreatesPendingDocument(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	objects := newMemObjects()
	in := NewIntake(store, store, objects)
	vs := scheduled(t, store)

	doc, err := in.Upload(ctx, vs.ID, domain.File{Name: "C:\\scans\\selfie.png", Body: bytes.NewReader(pngHeader)}, domain.DocSelfie)
	require.NoError(t, err)
	assert.Equal(t, domain.DocPending, doc.Status)
	assert.Equal(t, "selfie.png", doc.FileName)
	assert.Equal(t, "image/png", doc.MediaType)
	assert.Equal(t, int64(len(pngHeader)), doc.Size)

	rc, err := objects.Open(ctx, doc.StorageRef)
	require.NoError(t, err)
	stored, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, pngHeader, stored, "sniffing must not consume the body")

	docs, err := in.List(ctx, vs.ID)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, doc.ID, docs[0].ID)
}

func TestUploadKeepsSuppliedMediaType(t *testing.T) {
	store := newStore(t)
	in := NewIntake(store, store, newMemObjects())
	vs := scheduled(t, store)

	doc, err := in.Upload(context.Background(), vs.ID,
		domain.File{Name: "deed.pdf", MediaType: "application/pdf", Body: strings.NewReader("%PDF-1.7")}, domain.DocPropertyDocument)
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", doc.MediaType)
}

func TestUploadValidation(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	objects := newMemObjects()
	in := NewIntake(store, store, objects)
	vs := scheduled(t, store)

	_, err := in.Upload(ctx, vs.ID, domain.File{Name: "a.txt", Body: strings.NewReader("x")}, "passport_scan")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = in.Upload(ctx, vs.ID, domain.File{Name: "", Body: strings.NewReader("x")}, domain.DocOther)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = in.Upload(ctx, vs.ID, domain.File{Name: "a.txt"}, domain.DocOther)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = in.Upload(ctx, "missing", domain.File{Name: "a.txt", Body: strings.NewReader("x")}, domain.DocOther)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	assert.Zero(t, objects.count())
}

func TestUploadIsAllOrNothing(t *testing.T) {
	ctx := context.Background()

	t.Run("storage_failure", func(t *testing.T) {
		store := newStore(t)
		objects := newMemObjects()
		objects.failPut = true
		in := NewIntake(store, store, objects)
		vs := scheduled(t, store)

		doc, err := in.Upload(ctx, vs.ID, domain.File{Name: "id.jpg", Body: strings.NewReader("jpeg")}, domain.DocGovernmentID)
		assert.Nil(t, doc)
		assert.ErrorIs(t, err, domain.ErrDocumentUploadFailed)
		assert.NotErrorIs(t, err, domain.ErrRecordingUploadFailed)

		docs, err := in.List(ctx, vs.ID)
		require.NoError(t, err)
		assert.Empty(t, docs)
	})

	t.Run("record_failure_removes_blob", func(t *testing.T) {
		store := newStore(t)
		objects := newMemObjects()
		in := NewIntake(store, failingDocs{store}, objects)
		vs := scheduled(t, store)

		_, err := in.Upload(ctx, vs.ID, domain.File{Name: "id.jpg", Body: strings.NewReader("jpeg")}, domain.DocGovernmentID)
		assert.ErrorIs(t, err, domain.ErrDocumentUploadFailed)
		assert.Zero(t, objects.count())

		docs, err := store.ListDocuments(ctx, vs.ID)
		require.NoError(t, err)
		assert.Empty(t, docs)
	})
}

func TestListIsOrderedAndRestartable(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	in := NewIntake(store, store, newMemObjects())
	vs := scheduled(t, store)

	for _, n := range []string{"1.txt", "2.txt", "3.txt"} {
		_, err := in.Upload(ctx, vs.ID, domain.File{Name: n, Body: strings.NewReader(n)}, domain.DocOther)
		require.NoError(t, err)
	}
	first, err := in.List(ctx, vs.ID)
	require.NoError(t, err)
	second, err := in.List(ctx, vs.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	require.Len(t, first, 3)
	assert.Equal(t, "1.txt", first[0].FileName)
	assert.Equal(t, "3.txt", first[2].FileName)
}

func TestSetStatus(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	in := NewIntake(store, store, newMemObjects())
	vs := scheduled(t, store)
	doc, err := in.Upload(ctx, vs.ID, domain.File{Name: "a.txt", Body: strings.NewReader("a")}, domain.DocOther)
	require.NoError(t, err)

	got, err := in.SetStatus(ctx, doc.ID, domain.DocNeedsReview)
	require.NoError(t, err)
	assert.Equal(t, domain.DocNeedsReview, got.Status)

	_, err = in.SetStatus(ctx, doc.ID, "approved")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
