package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	firestoreCollection = "affiliate_sessions"
	firestoreDocumentID = "mercadolivre"
)

// sessionSecrets is the document shape shared by the Firestore and file stores.
type sessionSecrets struct {
	RefreshToken string    `firestore:"refreshToken,omitempty" json:"refresh_token,omitempty"`
	StorageState []byte    `firestore:"storageState,omitempty" json:"storage_state,omitempty"`
	UpdatedAt    time.Time `firestore:"updatedAt" json:"updated_at"`
}

// Client stores session secrets in a single Firestore document.
type Client struct {
	client *firestore.Client
	doc    *firestore.DocumentRef
}

func New(ctx context.Context, projectID string, opts ...option.ClientOption) (*Client, error) {
	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore.NewClient: %w", err)
	}
	return &Client{
		client: client,
		doc:    client.Collection(firestoreCollection).Doc(firestoreDocumentID),
	}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) load(ctx context.Context) (sessionSecrets, error) {
	snap, err := c.doc.Get(ctx)
	if err != nil {
		if isNotFound(err) {
			slog.Info("No stored session secrets, assuming first run", "collection", firestoreCollection, "doc", firestoreDocumentID)
			return sessionSecrets{}, nil
		}
		return sessionSecrets{}, fmt.Errorf("failed to get session secrets: %w", err)
	}
	var s sessionSecrets
	if err := snap.DataTo(&s); err != nil {
		return sessionSecrets{}, fmt.Errorf("failed to unmarshal session secrets: %w", err)
	}
	return s, nil
}

// save merges the given fields into the document, creating it if needed.
func (c *Client) save(ctx context.Context, field string, value any) error {
	_, err := c.doc.Set(ctx, map[string]any{
		field:       value,
		"updatedAt": firestore.ServerTimestamp,
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", field, err)
	}
	return nil
}

func (c *Client) LoadRefreshToken(ctx context.Context) (string, error) {
	s, err := c.load(ctx)
	return s.RefreshToken, err
}

func (c *Client) SaveRefreshToken(ctx context.Context, token string) error {
	return c.save(ctx, "refreshToken", token)
}

func (c *Client) LoadStorageState(ctx context.Context) ([]byte, error) {
	s, err := c.load(ctx)
	return s.StorageState, err
}

func (c *Client) SaveStorageState(ctx context.Context, state []byte) error {
	return c.save(ctx, "storageState", state)
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}
