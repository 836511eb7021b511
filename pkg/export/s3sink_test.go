package export

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/genomatrix/pkg/faults"
)

type fakeS3 struct {
	mu     sync.Mutex
	status int
	paths  []string
	bodies [][]byte
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.paths = append(f.paths, r.Method+" "+r.URL.Path)
	f.bodies = append(f.bodies, body)
	status := f.status
	f.mu.Unlock()

	if status == http.StatusForbidden {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>denied</Message></Error>`)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func newFakeS3Sink(t *testing.T, fake *fakeS3) *S3Sink {
	t.Helper()
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(t.TempDir(), "config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(t.TempDir(), "credentials"))

	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	sink, err := NewS3Sink(context.Background(), S3Config{
		Bucket:          "exports",
		Prefix:          "genomatrix",
		Region:          "us-west-2",
		Endpoint:        srv.URL,
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
		ForcePathStyle:  true,
	})
	require.NoError(t, err)
	return sink
}

func TestS3SinkPut(t *testing.T) {
	fake := &fakeS3{}
	sink := newFakeS3Sink(t, fake)

	loc, err := sink.Put(context.Background(), "STU-A_consolidated.tsv", contentTypeTSV, []byte("Subject\tPipeline\n"))
	require.NoError(t, err)
	assert.Equal(t, "s3://exports/genomatrix/STU-A_consolidated.tsv", loc)

	require.Len(t, fake.paths, 1)
	assert.Equal(t, "PUT /exports/genomatrix/STU-A_consolidated.tsv", fake.paths[0])
	assert.Contains(t, string(fake.bodies[0]), "Subject\tPipeline")
}

func TestS3SinkAccessDenied(t *testing.T) {
	sink := newFakeS3Sink(t, &fakeS3{status: http.StatusForbidden})

	_, err := sink.Put(context.Background(), "x.tsv", contentTypeTSV, []byte("x"))
	require.Error(t, err)
	assert.True(t, faults.IsIOFailure(err))
	assert.True(t, errors.Is(err, ErrAccessDenied))
}

func TestS3ConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     S3Config
		wantErr bool
	}{
		{name: "ok", cfg: S3Config{Bucket: "b"}},
		{name: "missing bucket", cfg: S3Config{}, wantErr: true},
		{name: "half credentials", cfg: S3Config{Bucket: "b", AccessKeyID: "id"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, faults.ErrInvalidRequest)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestResolveRegion(t *testing.T) {
	assert.Equal(t, "eu-west-1", resolveRegion("eu-west-1", ""))
	assert.Equal(t, DefaultAWSRegion, resolveRegion("", ""))
	assert.Empty(t, resolveRegion("", "http://localhost:9000"))
}
