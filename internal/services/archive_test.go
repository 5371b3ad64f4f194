package services

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/wesalappx/wesal-app-sub001/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePutter struct {
	input *s3.PutObjectInput
	body  []byte
}

func (f *fakePutter) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = params
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.body = body
	return &s3.PutObjectOutput{}, nil
}

func TestS3ArchiverArchive(t *testing.T) {
	putter := &fakePutter{}
	archiver := NewS3ArchiverWithClient(putter, "wesal-archive")

	session := &models.Session{
		ID:           "s1",
		CoupleID:     "c1",
		ActivityType: models.ActivityGame,
		ActivityID:   "truth-or-dare",
		State:        models.State{"stepIndex": float64(4)},
		CloseReason:  models.CloseFinished,
	}
	require.NoError(t, archiver.Archive(context.Background(), session))

	assert.Equal(t, "wesal-archive", aws.ToString(putter.input.Bucket))
	assert.Equal(t, "sessions/c1/s1.json", aws.ToString(putter.input.Key))
	assert.Equal(t, "application/json", aws.ToString(putter.input.ContentType))

	var stored models.Session
	require.NoError(t, json.Unmarshal(putter.body, &stored))
	assert.Equal(t, session.State, stored.State)
}
