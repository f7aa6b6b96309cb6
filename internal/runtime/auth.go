package runtime

import (
	"context"
	"fmt"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/mbrt/gmailctl/cmd/gmailctl/localcred"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/awarman/replygate/internal/mailbox"
)

var scopes = []string{
	gmail.GmailReadonlyScope,
	gmail.GmailSendScope,
	gmail.GmailModifyScope,
}

// NewSecretClient builds a mailbox client from an OAuth token JSON held
// in Secret Manager. This is the serving path: nothing downstream can
// proceed without it, so any failure here is fatal to the notification.
func NewSecretClient(ctx context.Context, project, secretName string) (mailbox.Client, error) {
	sm, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create secret manager client: %w", err)
	}
	defer func() { _ = sm.Close() }()

	name := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", project, secretName)
	res, err := sm.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return nil, fmt.Errorf("access secret %s: %w", name, err)
	}

	creds, err := google.CredentialsFromJSON(ctx, res.Payload.Data, scopes...)
	if err != nil {
		return nil, fmt.Errorf("parse mailbox credentials: %w", err)
	}
	svc, err := gmail.NewService(ctx, option.WithTokenSource(creds.TokenSource))
	if err != nil {
		return nil, fmt.Errorf("build mailbox service: %w", err)
	}
	return NewGoogleAPIClient(svc), nil
}

// NewLocalClient builds a mailbox client using the gmailctl local
// credential flow. Used by the one-shot CLI for development runs.
func NewLocalClient(ctx context.Context, cfgDir string) (mailbox.Client, error) {
	svc, err := (localcred.Provider{}).ServiceWithScopes(ctx, cfgDir, scopes...)
	if err != nil {
		return nil, fmt.Errorf("local credential auth: %w", err)
	}
	return NewGoogleAPIClient(svc), nil
}
