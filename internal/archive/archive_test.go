package archive

import (
	"context"
	"errors"
	"io"
	"testing"

	"autopilot/internal/apperr"
	"autopilot/internal/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakePutter struct {
	key, bucket, contentType string
	body                     []byte
	err                      error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.key = aws.ToString(in.Key)
	f.bucket = aws.ToString(in.Bucket)
	f.contentType = aws.ToString(in.ContentType)
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestPutWritesObject(t *testing.T) {
	fake := &fakePutter{}
	a := NewWithClient(fake, "letters-bucket", "http://localhost:4566", "us-east-2")
	url, err := a.Put(context.Background(), LetterKey("u1", "t1", "l1"), ContentTypeText, []byte("Dear Sir"))
	if err != nil {
		t.Fatal(err)
	}
	if fake.bucket != "letters-bucket" || fake.key != "letters/u1/t1/l1.txt" || string(fake.body) != "Dear Sir" {
		t.Fatalf("unexpected put %+v", fake)
	}
	if url != "http://localhost:4566/letters-bucket/letters/u1/t1/l1.txt" {
		t.Fatalf("url = %s", url)
	}
}

func TestPutFailureIsDependencyError(t *testing.T) {
	a := NewWithClient(&fakePutter{err: errors.New("boom")}, "b", "", "us-east-2")
	if _, err := a.Put(context.Background(), "k", ContentTypeText, nil); !errors.Is(err, apperr.ErrDependency) {
		t.Fatalf("expected dependency error, got %v", err)
	}
	if got := a.URL("k"); got != "https://b.s3.us-east-2.amazonaws.com/k" {
		t.Fatalf("url = %s", got)
	}
}

func TestNewWithoutBucketIsDisabled(t *testing.T) {
	st, err := New(context.Background(), config.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := st.(Disabled); !ok {
		t.Fatalf("expected Disabled, got %T", st)
	}
	if url, err := st.Put(context.Background(), "k", ContentTypeText, []byte("x")); url != "" || err != nil {
		t.Fatalf("disabled put returned %q, %v", url, err)
	}
	if ExhibitKey("t1", "l1", 2) != "exhibits/t1/l1-02.jpg" {
		t.Fatal("unexpected exhibit key")
	}
}
