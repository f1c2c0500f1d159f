package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/peteski22/adsmirror/internal/entity"
)

// SSMAPI defines the SSM operations used by the watermark store.
type SSMAPI interface {
	// GetParameter retrieves a parameter from SSM.
	GetParameter(
		ctx context.Context,
		params *ssm.GetParameterInput,
		optFns ...func(*ssm.Options),
	) (*ssm.GetParameterOutput, error)

	// PutParameter stores a parameter in SSM.
	PutParameter(
		ctx context.Context,
		params *ssm.PutParameterInput,
		optFns ...func(*ssm.Options),
	) (*ssm.PutParameterOutput, error)
}

// SSMWatermarks keeps one SSM parameter per (entity type, customer) holding the last
// successful incremental sync time, named <prefix>/<ENTITY_TYPE>/<customer>.
type SSMWatermarks struct {
	// client is the SSM API client.
	client SSMAPI

	// prefix is the parameter path all watermarks live under.
	prefix string
}

// NewSSMWatermarks creates a new SSM-backed watermark store.
func NewSSMWatermarks(client SSMAPI, prefix string) (*SSMWatermarks, error) {
	if client == nil {
		return nil, errors.New("ssm client is required")
	}

	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		return nil, errors.New("parameter prefix is required")
	}
	if !strings.HasPrefix(prefix, "/") {
		return nil, fmt.Errorf("parameter prefix must start with '/': %q", prefix)
	}

	return &SSMWatermarks{client: client, prefix: prefix}, nil
}

// ParameterName returns the parameter holding the watermark for the pair.
func (s *SSMWatermarks) ParameterName(t entity.Type, customerID string) string {
	return fmt.Sprintf("%s/%s/%s", s.prefix, t, customerID)
}

// Watermark returns the stored sync time, or the zero time when the parameter is missing.
func (s *SSMWatermarks) Watermark(ctx context.Context, t entity.Type, customerID string) (time.Time, error) {
	if err := validateScope(t, customerID); err != nil {
		return time.Time{}, err
	}

	output, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name: aws.String(s.ParameterName(t, customerID)),
	})
	if err != nil {
		var notFoundErr *types.ParameterNotFound
		if errors.As(err, &notFoundErr) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("getting parameter from SSM: %w", err)
	}

	if output.Parameter == nil || output.Parameter.Value == nil {
		return time.Time{}, nil
	}

	ts, err := time.Parse(time.RFC3339Nano, *output.Parameter.Value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing time from parameter: %w", err)
	}

	return ts, nil
}

// SetWatermark overwrites the stored sync time.
func (s *SSMWatermarks) SetWatermark(ctx context.Context, t entity.Type, customerID string, ts time.Time) error {
	if err := validateScope(t, customerID); err != nil {
		return err
	}

	_, err := s.client.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      aws.String(s.ParameterName(t, customerID)),
		Overwrite: aws.Bool(true),
		Type:      types.ParameterTypeString,
		Value:     aws.String(ts.UTC().Format(time.RFC3339Nano)),
	})
	if err != nil {
		return fmt.Errorf("putting parameter to SSM: %w", err)
	}

	return nil
}
