package modelstorage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSourceDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "/models/m%201/versions/v2/content", r.URL.EscapedPath())
		_, _ = w.Write([]byte(`{"entities":[]}`))
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, time.Second, 1024)
	body, err := src.Download(context.Background(), "tok", "m 1", "v2")
	require.NoError(t, err)
	assert.Equal(t, `{"entities":[]}`, string(body))

	_, err = src.Download(context.Background(), "wrong", "m 1", "v2")
	assert.ErrorContains(t, err, "status 401")

	_, err = src.Download(context.Background(), "", "m 1", "v2")
	assert.Error(t, err)
}

func TestHTTPSourceSizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(make([]byte, 64))
	}))
	defer srv.Close()

	_, err := NewHTTPSource(srv.URL, time.Second, 32).Download(context.Background(), "tok", "m", "v")
	assert.ErrorIs(t, err, ErrTooLarge)
}

type fakeS3 struct {
	objects map[string][]byte
	meta    map[string]map[string]string
	headErr error

	uploads  map[string][][]byte
	partErr  error
	aborted  []string
	partSeen []int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects: map[string][]byte{},
		meta:    map[string]map[string]string{},
		uploads: map[string][][]byte{},
	}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = body
	f.meta[aws.ToString(in.Key)] = in.Metadata
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, errors.New("NotFound")
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) CreateMultipartUpload(_ context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	id := "upload-" + aws.ToString(in.Key)
	f.uploads[id] = nil
	f.meta[aws.ToString(in.Key)] = in.Metadata
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (f *fakeS3) UploadPart(_ context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	n := int(aws.ToInt32(in.PartNumber))
	f.partSeen = append(f.partSeen, n)
	if f.partErr != nil && n == 2 {
		return nil, f.partErr
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	id := aws.ToString(in.UploadId)
	f.uploads[id] = append(f.uploads[id], body)
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("etag-%d", n))}, nil
}

func (f *fakeS3) CompleteMultipartUpload(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	id := aws.ToString(in.UploadId)
	var joined []byte
	for i, part := range in.MultipartUpload.Parts {
		if aws.ToInt32(part.PartNumber) != int32(i+1) || aws.ToString(part.ETag) != fmt.Sprintf("etag-%d", i+1) {
			return nil, errors.New("parts out of order")
		}
		joined = append(joined, f.uploads[id][i]...)
	}
	f.objects[aws.ToString(in.Key)] = joined
	delete(f.uploads, id)
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(_ context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.aborted = append(f.aborted, aws.ToString(in.UploadId))
	delete(f.uploads, aws.ToString(in.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}

type fakePresign struct{}

func (fakePresign) PresignGetObject(_ context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	opts := s3.PresignOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &v4.PresignedHTTPRequest{
		URL:    "https://" + aws.ToString(in.Bucket) + ".s3/" + aws.ToString(in.Key) + "?X-Amz-Expires=" + opts.Expires.String(),
		Method: http.MethodGet,
	}, nil
}

func TestS3DestinationUploadAndURL(t *testing.T) {
	fake := newFakeS3()
	dest := newS3Destination(fake, fakePresign{}, "takeoffs", 15*time.Minute)
	ctx := context.Background()

	fileID, err := dest.Upload(ctx, "space-1", "folder-9", "takeoff.json", []byte(`[]`))
	require.NoError(t, err)
	require.NotEmpty(t, fileID)
	assert.Equal(t, []byte(`[]`), fake.objects["space-1/"+fileID])
	assert.Equal(t, "folder-9", fake.meta["space-1/"+fileID]["folder-id"])

	url, err := dest.DownloadURL(ctx, "space-1", fileID)
	require.NoError(t, err)
	assert.Equal(t, "https://takeoffs.s3/space-1/"+fileID+"?X-Amz-Expires=15m0s", url)

	_, err = dest.DownloadURL(ctx, "space-1", "missing")
	assert.Error(t, err)
}

func TestS3DestinationMultipartUpload(t *testing.T) {
	fake := newFakeS3()
	dest := newS3Destination(fake, fakePresign{}, "takeoffs", time.Minute)
	dest.partSize = 4

	data := []byte("0123456789")
	fileID, err := dest.Upload(context.Background(), "space-1", "folder-9", "takeoff.json", data)
	require.NoError(t, err)
	assert.Equal(t, data, fake.objects["space-1/"+fileID])
	assert.Equal(t, []int{1, 2, 3}, fake.partSeen)
	assert.Equal(t, "takeoff.json", fake.meta["space-1/"+fileID]["file-name"])
	assert.Empty(t, fake.aborted)
}

func TestS3DestinationMultipartAbortsOnPartFailure(t *testing.T) {
	fake := newFakeS3()
	fake.partErr = errors.New("connection reset")
	dest := newS3Destination(fake, fakePresign{}, "takeoffs", time.Minute)
	dest.partSize = 4

	_, err := dest.Upload(context.Background(), "space-1", "folder-9", "takeoff.json", []byte("0123456789"))
	require.ErrorContains(t, err, "upload part 2")
	require.Len(t, fake.aborted, 1)
	assert.Empty(t, fake.uploads)
	assert.Empty(t, fake.objects)
}
