package filestore

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/loom/internal/domain"
	"github.com/shaiso/loom/internal/repo"
)

type failingStore struct{ *MemoryStore }

func (failingStore) Put(context.Context, string, io.Reader, int64, string) error {
	return errors.New("connection reset")
}

func newService(keep bool) (*Service, *MemoryStore, *repo.Memory) {
	store := NewMemoryStore("loom")
	mem := repo.NewMemory()
	return NewService(Config{Store: store, Files: mem.Data, KeepDuplicates: keep}), store, mem
}

func importString(t *testing.T, s *Service, name, content string, source domain.FileSource) *domain.FileResource {
	t.Helper()
	res, err := s.Import(context.Background(), ImportRequest{
		Filename: name,
		Source:   source,
		Body:     strings.NewReader(content),
	})
	require.NoError(t, err)
	return res
}

func TestImport_Deduplicates(t *testing.T) {
	s, store, _ := newService(false)

	first := importString(t, s, "reads.fq", "ACGT\n", domain.FileSourceImported)
	assert.Equal(t, domain.UploadComplete, first.UploadStatus)
	assert.Equal(t, "s3://loom/"+first.MD5, first.FileURL)
	assert.Equal(t, "58ce66d7df0a1cf9b360cabf43da3ea5", first.MD5)

	again := importString(t, s, "reads.fq", "ACGT\n", domain.FileSourceImported)
	assert.Equal(t, first.ID, again.ID, "same name and content should reuse the resource")

	renamed := importString(t, s, "copy.fq", "ACGT\n", domain.FileSourceImported)
	assert.NotEqual(t, first.ID, renamed.ID)
	assert.Equal(t, first.FileURL, renamed.FileURL)
	assert.Equal(t, "copy.fq", renamed.Filename)

	assert.Equal(t, 1, store.Puts(), "content should be uploaded once")
}

func TestImport_KeepDuplicates(t *testing.T) {
	s, store, _ := newService(true)

	a := importString(t, s, "reads.fq", "ACGT\n", domain.FileSourceImported)
	b := importString(t, s, "reads.fq", "ACGT\n", domain.FileSourceImported)
	out := importString(t, s, "out.sam", "sam", domain.FileSourceResult)
	log := importString(t, s, "stderr.log", "oops", domain.FileSourceLog)

	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, a.FileURL, b.FileURL)
	assert.True(t, strings.HasPrefix(a.FileURL, "s3://loom/imported/"), a.FileURL)
	assert.True(t, strings.HasSuffix(a.FileURL, "-reads.fq"), a.FileURL)
	assert.True(t, strings.HasPrefix(out.FileURL, "s3://loom/results/"), out.FileURL)
	assert.True(t, strings.HasPrefix(log.FileURL, "s3://loom/logs/"), log.FileURL)
	assert.Equal(t, 4, store.Puts())
}

func TestObjectKey(t *testing.T) {
	s, _, _ := newService(true)
	res := &domain.FileResource{
		ID:       uuid.MustParse("01234567-89ab-cdef-0123-456789abcdef"),
		Filename: "out.sam",
		Source:   domain.FileSourceResult,
	}
	now := time.Date(2026, 3, 1, 12, 30, 5, 0, time.UTC)

	assert.Equal(t, "results/20260301123005-0123456789abcdef0123456789abcdef-out.sam", s.objectKey(res, now))
}

func TestOpen(t *testing.T) {
	s, _, mem := newService(false)
	ctx := context.Background()

	res := importString(t, s, "reads.fq", "ACGT\n", "")
	assert.Equal(t, domain.FileSourceImported, res.Source)

	body, got, err := s.Open(ctx, res.ID)
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "ACGT\n", string(data))
	assert.Equal(t, res.ID, got.ID)

	pending := domain.NewFileResource("pending.fq", domain.FileSourceImported)
	require.NoError(t, mem.Data.CreateFile(ctx, pending))
	_, _, err = s.Open(ctx, pending.ID)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestImport_UploadFailure(t *testing.T) {
	mem := repo.NewMemory()
	s := NewService(Config{Store: failingStore{NewMemoryStore("loom")}, Files: mem.Data})

	_, err := s.Import(context.Background(), ImportRequest{Filename: "reads.fq", Body: strings.NewReader("x")})
	require.Error(t, err)

	files, err := mem.Data.FindFiles(context.Background(), repo.FileFilter{Filename: "reads.fq"})
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, domain.UploadFailed, files[0].UploadStatus)
}

func TestImport_InvalidFilename(t *testing.T) {
	s, _, _ := newService(false)
	_, err := s.Import(context.Background(), ImportRequest{Filename: " ", Body: strings.NewReader("x")})
	assert.Error(t, err)
}
