package blobstore

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakeS3 struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.input = params
	f.body, _ = io.ReadAll(params.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3StorePut(t *testing.T) {
	client := &fakeS3{}
	store := newS3Store(client, "surveillance-reports", "/reports/")

	uri, err := store.Put(context.Background(), "PHILADELPHIA/2024-06-08/abc.json", "application/json", []byte(`{"id":"abc"}`))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if uri != "s3://surveillance-reports/reports/PHILADELPHIA/2024-06-08/abc.json" {
		t.Errorf("Unexpected URI %s", uri)
	}
	if *client.input.Key != "reports/PHILADELPHIA/2024-06-08/abc.json" {
		t.Errorf("Unexpected key %s", *client.input.Key)
	}
	if *client.input.ContentType != "application/json" {
		t.Errorf("Unexpected content type %s", *client.input.ContentType)
	}
	if string(client.body) != `{"id":"abc"}` {
		t.Errorf("Unexpected body %s", client.body)
	}
}

func TestS3StorePutError(t *testing.T) {
	store := newS3Store(&fakeS3{err: fmt.Errorf("access denied")}, "bucket", "")
	if _, err := store.Put(context.Background(), "k", "text/plain", nil); err == nil {
		t.Error("Expected error from failed upload")
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	uri, err := store.Put(context.Background(), "a/b.json", "application/json", []byte("x"))
	if err != nil || uri != "memory://a/b.json" {
		t.Fatalf("Unexpected result %s %v", uri, err)
	}
	if b, ok := store.Get("a/b.json"); !ok || string(b) != "x" {
		t.Errorf("Expected stored object, got %q %v", b, ok)
	}
}
