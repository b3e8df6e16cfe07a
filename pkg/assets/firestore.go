package assets

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreLoader reads profiles as documents of one collection, keyed
// by profile name.
type FirestoreLoader struct {
	client     *firestore.Client
	collection string
}

// FirestoreConfig configures a FirestoreLoader.
type FirestoreConfig struct {
	ProjectID       string
	Collection      string
	CredentialsFile string
}

// NewFirestoreLoader creates a loader backed by Firestore.
func NewFirestoreLoader(ctx context.Context, config FirestoreConfig) (*FirestoreLoader, error) {
	if config.ProjectID == "" {
		return nil, fmt.Errorf("project ID is required")
	}
	if config.Collection == "" {
		return nil, fmt.Errorf("collection is required")
	}

	var clientOpts []option.ClientOption
	if config.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(config.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, config.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}

	return &FirestoreLoader{
		client:     client,
		collection: config.Collection,
	}, nil
}

// Load fetches and validates the profile document under key.
func (l *FirestoreLoader) Load(ctx context.Context, key string) (*Profile, error) {
	if !profileKeyPattern.MatchString(key) {
		return nil, fmt.Errorf("invalid profile key: %q", key)
	}

	snap, err := l.client.Collection(l.collection).Doc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("profile %q not found", key)
		}
		return nil, fmt.Errorf("fetch profile %q: %w", key, err)
	}

	var profile Profile
	if err := snap.DataTo(&profile); err != nil {
		return nil, fmt.Errorf("decode profile %q: %w", key, err)
	}

	applyDefaults(&profile, key)
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return &profile, nil
}

// Close releases the Firestore client.
func (l *FirestoreLoader) Close() error {
	return l.client.Close()
}
