package cloudinary

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(Config{CloudName: "demo"}, zerolog.Nop())
	require.Error(t, err)
}

func TestSignedURLForAuthenticatedAsset(t *testing.T) {
	svc, err := New(Config{CloudName: "demo", APIKey: "key", APISecret: "secret", Folder: "assessments"}, zerolog.Nop())
	require.NoError(t, err)

	before := time.Now().UTC()
	url, expiresAt, err := svc.SignedURL(context.Background(), "raw/assessments/submission/report-1a2b3c4d.pdf", 10*time.Minute)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(url, "https://"))
	require.Contains(t, url, "/raw/authenticated/")
	require.Contains(t, url, "/s--")
	require.Contains(t, url, "assessments/submission/report-1a2b3c4d.pdf")
	require.WithinDuration(t, before.Add(10*time.Minute), expiresAt, time.Minute)

	for _, bad := range []string{"", "raw", "raw/", "/public-id"} {
		_, _, err := svc.SignedURL(context.Background(), bad, time.Minute)
		require.ErrorIs(t, err, ErrInvalidReference, bad)
	}
}

func TestBuildPublicID(t *testing.T) {
	id := buildPublicID("Week 3 Essay.pdf")
	require.True(t, strings.HasPrefix(id, "Week-3-Essay-"), id)
	require.Len(t, id, len("Week-3-Essay-")+8)

	require.True(t, strings.HasPrefix(buildPublicID("...pdf"), "upload-"))
}
