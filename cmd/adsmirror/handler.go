package main

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"

	"github.com/peteski22/adsmirror/internal/config"
	"github.com/peteski22/adsmirror/internal/conflict"
	"github.com/peteski22/adsmirror/internal/entity"
	"github.com/peteski22/adsmirror/internal/logging"
	mirror "github.com/peteski22/adsmirror/internal/sync"
)

const defaultEventMaxRetries = 2

// requestDefaults fill the fields an event leaves out.
type requestDefaults struct {
	customerID string
	workers    int
}

// response is returned to the Lambda caller.
type response struct {
	Error  string        `json:"error,omitempty"`
	JobID  string        `json:"job_id,omitempty"`
	Result mirror.Result `json:"result"`
	Status mirror.Status `json:"status,omitempty"`
}

// handler serves sync events. The app is built on the first event and reused by later
// invocations of the same execution environment.
type handler struct {
	app      *app
	defaults requestDefaults
	mu       sync.Mutex
	setup    func(ctx context.Context) (*app, requestDefaults, error)
}

func newHandler() *handler {
	return &handler{setup: setupLambda}
}

// setupLambda loads the environment configuration and wires the AWS-backed app.
func setupLambda(ctx context.Context) (*app, requestDefaults, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, requestDefaults{}, fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(
		logging.WithLevel(cfg.Log.Level),
		logging.WithFormat(cfg.Log.Format),
	)

	a, err := newLambdaApp(ctx, cfg, logger)
	if err != nil {
		return nil, requestDefaults{}, err
	}

	return a, requestDefaults{customerID: cfg.GoogleAds.CustomerID, workers: cfg.Sync.Workers}, nil
}

// handle runs the sync described by event. A failed job is reported both in the response
// and as the invocation error.
func (h *handler) handle(ctx context.Context, event map[string]any) (response, error) {
	a, defaults, err := h.ready(ctx)
	if err != nil {
		return response{Error: err.Error()}, err
	}

	cfg, err := decodeRequest(event, defaults)
	if err != nil {
		return response{Error: err.Error()}, err
	}

	a.logger.Info("Sync event received",
		zap.String("customer_id", cfg.CustomerID),
		zap.String("sync_type", string(cfg.SyncType)),
	)

	status, err := executeSync(ctx, a.orchestrator, cfg)
	if ctx.Err() != nil {
		// The deadline closed the orchestrator; the next event builds a fresh one.
		h.reset()
	}
	if err != nil {
		return response{Error: err.Error(), JobID: status.ID}, err
	}

	resp := response{
		JobID:  status.ID,
		Result: status.Result,
		Status: status.Status,
	}
	if status.Status == mirror.StatusFailed {
		resp.Error = status.LastError
		return resp, fmt.Errorf("sync job %s failed: %s", status.ID, status.LastError)
	}
	return resp, nil
}

func (h *handler) ready(ctx context.Context) (*app, requestDefaults, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.app == nil {
		a, defaults, err := h.setup(ctx)
		if err != nil {
			return nil, requestDefaults{}, err
		}
		h.app = a
		h.defaults = defaults
	}
	return h.app, h.defaults, nil
}

func (h *handler) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.app != nil {
		_ = h.app.Close()
		h.app = nil
	}
}

// shutdown releases the app when the execution environment is torn down.
func (h *handler) shutdown() {
	h.mu.Lock()
	a := h.app
	h.mu.Unlock()

	if a != nil {
		_ = a.Close()
		_ = a.logger.Sync()
	}
}

// decodeRequest converts an event into a job configuration. EventBridge events carry the
// request in their detail; direct invocations carry it at the top level. Durations are
// Go duration strings, and lists may be comma separated strings.
func decodeRequest(event map[string]any, defaults requestDefaults) (mirror.SyncConfig, error) {
	payload := event
	if _, ok := event["detail-type"]; ok {
		detail, ok := event["detail"].(map[string]any)
		if !ok && event["detail"] != nil {
			return mirror.SyncConfig{}, errors.New("event detail must be an object")
		}
		payload = detail
	}

	cfg := mirror.SyncConfig{
		CustomerID: defaults.customerID,
		MaxRetries: defaultEventMaxRetries,
		SyncType:   mirror.SyncIncremental,
		Workers:    defaults.workers,
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			enumDecodeHook,
		),
		ErrorUnused: true,
		Result:      &cfg,
	})
	if err != nil {
		return mirror.SyncConfig{}, fmt.Errorf("creating event decoder: %w", err)
	}

	if err := dec.Decode(payload); err != nil {
		return mirror.SyncConfig{}, fmt.Errorf("decoding sync request: %w", err)
	}

	if len(cfg.EntityTypes) == 0 {
		cfg.EntityTypes = slices.Clone(entity.Types)
	}

	return cfg, nil
}

var (
	entityTypeType = reflect.TypeOf(entity.Type(""))
	policyType     = reflect.TypeOf(conflict.Policy(""))
	syncTypeType   = reflect.TypeOf(mirror.SyncType(""))
)

// enumDecodeHook parses case-insensitive names of entity types, sync types and conflict
// policies.
func enumDecodeHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String {
		return data, nil
	}
	s, ok := data.(string)
	if !ok {
		return data, nil
	}

	switch to {
	case entityTypeType:
		return entity.ParseType(s)
	case policyType:
		return conflict.ParsePolicy(s)
	case syncTypeType:
		return mirror.ParseSyncType(s)
	default:
		return data, nil
	}
}
