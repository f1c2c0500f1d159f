package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// ErrNoRefreshToken is returned when a token store holds no refresh token.
var ErrNoRefreshToken = errors.New("no refresh token stored")

// SecretsManagerAPI defines the Secrets Manager operations used by the token store.
type SecretsManagerAPI interface {
	// GetSecretValue retrieves a secret value.
	GetSecretValue(
		ctx context.Context,
		params *secretsmanager.GetSecretValueInput,
		optFns ...func(*secretsmanager.Options),
	) (*secretsmanager.GetSecretValueOutput, error)

	// PutSecretValue stores a secret value.
	PutSecretValue(
		ctx context.Context,
		params *secretsmanager.PutSecretValueInput,
		optFns ...func(*secretsmanager.Options),
	) (*secretsmanager.PutSecretValueOutput, error)
}

// storedToken is the JSON document kept in a secret or token file.
type storedToken struct {
	// RefreshToken is the Google OAuth refresh token.
	RefreshToken string `json:"refresh_token"`

	// UpdatedAt is when the token was last written.
	UpdatedAt time.Time `json:"updated_at"`
}

// decodeToken accepts either a storedToken document or a bare token string.
func decodeToken(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrNoRefreshToken
	}

	if !strings.HasPrefix(raw, "{") {
		return raw, nil
	}

	var doc storedToken
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return "", fmt.Errorf("decoding token document: %w", err)
	}
	if doc.RefreshToken == "" {
		return "", ErrNoRefreshToken
	}
	return doc.RefreshToken, nil
}

func encodeToken(token string, now time.Time) (string, error) {
	if token == "" {
		return "", errors.New("token cannot be empty")
	}

	data, err := json.Marshal(storedToken{RefreshToken: token, UpdatedAt: now.UTC()})
	if err != nil {
		return "", fmt.Errorf("encoding token document: %w", err)
	}
	return string(data), nil
}

// TokenStore keeps the Google Ads OAuth refresh token in AWS Secrets Manager.
type TokenStore struct {
	// client is the Secrets Manager API client.
	client SecretsManagerAPI

	// now returns the current time.
	now func() time.Time

	// secretARN is the ARN of the secret storing the refresh token.
	secretARN string
}

// NewTokenStore creates a new Secrets Manager-backed token store.
func NewTokenStore(client SecretsManagerAPI, secretARN string) (*TokenStore, error) {
	if client == nil {
		return nil, errors.New("secrets manager client is required")
	}
	if secretARN == "" {
		return nil, errors.New("secret ARN is required")
	}

	return &TokenStore{
		client:    client,
		now:       time.Now,
		secretARN: secretARN,
	}, nil
}

// RefreshToken returns the current refresh token from Secrets Manager.
func (t *TokenStore) RefreshToken(ctx context.Context) (string, error) {
	output, err := t.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(t.secretARN),
	})
	if err != nil {
		return "", fmt.Errorf("getting secret from Secrets Manager: %w", err)
	}

	if output.SecretString == nil {
		return "", fmt.Errorf("secret has no string value: %w", ErrNoRefreshToken)
	}

	return decodeToken(*output.SecretString)
}

// SaveRefreshToken stores a new refresh token in Secrets Manager.
func (t *TokenStore) SaveRefreshToken(ctx context.Context, token string) error {
	doc, err := encodeToken(token, t.now())
	if err != nil {
		return err
	}

	_, err = t.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(t.secretARN),
		SecretString: aws.String(doc),
	})
	if err != nil {
		return fmt.Errorf("putting secret to Secrets Manager: %w", err)
	}

	return nil
}
