package s3blob

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

func TestNormaliseEndpoint(t *testing.T) {
	cases := []struct {
		in     string
		ssl    bool
		expect string
	}{
		{"https://e2.example.com", false, "https://e2.example.com"},
		{"minio:9000", false, "http://minio:9000"},
		{"r2.example.com", true, "https://r2.example.com"},
	}
	for _, c := range cases {
		if got := normaliseEndpoint(c.in, c.ssl); got != c.expect {
			t.Errorf("normaliseEndpoint(%q, %v) = %q, want %q", c.in, c.ssl, got, c.expect)
		}
	}
}

type status404 struct{}

func (status404) Error() string       { return "not found" }
func (status404) HTTPStatusCode() int { return 404 }

func TestIsNotFound(t *testing.T) {
	if !isNotFound(fmt.Errorf("wrapped: %w", &types.NoSuchKey{})) {
		t.Error("NoSuchKey not detected")
	}
	if !isNotFound(&types.NotFound{}) {
		t.Error("NotFound not detected")
	}
	if !isNotFound(status404{}) {
		t.Error("HTTP 404 not detected")
	}
	if isNotFound(errors.New("boom")) {
		t.Error("generic error treated as not found")
	}
}

func TestNewRequiresBucketAndRegion(t *testing.T) {
	if _, err := New(context.Background(), ClientConfig{Region: "us-east-1"}); err == nil {
		t.Error("missing bucket accepted")
	}
	if _, err := New(context.Background(), ClientConfig{Bucket: "b"}); err == nil {
		t.Error("missing region accepted")
	}
}
