package transfer

import (
	"context"

	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/storesync/storesync/pkg/bulk"
	"github.com/storesync/storesync/pkg/clients"
	"github.com/storesync/storesync/pkg/errors"
	"github.com/storesync/storesync/pkg/record"
)

// GraphQLAdapterConfig configures a generic adapter for one resource kind.
type GraphQLAdapterConfig struct {
	// Kind names the resource kind.
	Kind string
	// ListQuery is the extraction query run as a bulk job against the
	// target to stream its current state.
	ListQuery string
	// CreateMutation creates one record; the record's fields are passed as
	// the $input variable.
	CreateMutation string
	// UpdateMutation updates one record; the indexed remote ID is passed
	// as $id and the fields as $input.
	UpdateMutation string
	// Poll overrides the poll settings for the listing job.
	Poll bulk.PollerConfig
}

// GraphQLAdapter is a generic WriteAdapter over the platform's admin API.
// It stays schema-agnostic: callers supply the mutations, and responses are
// walked structurally for the created ID and any validation errors.
// Field-level translation between instances is out of scope; the record's
// fields pass through as the mutation input.
type GraphQLAdapter struct {
	cfg       GraphQLAdapterConfig
	transport clients.QueryTransport
	launcher  *bulk.Launcher
	poller    *bulk.Poller
	download  *bulk.Downloader
	logger    *zap.Logger
}

// NewGraphQLAdapter creates an adapter for one kind over the target's
// transport. The throttle admits the listing job's lifecycle and its payload
// fetch; Create and Update run inside the applier's throttled calls.
func NewGraphQLAdapter(cfg GraphQLAdapterConfig, transport clients.QueryTransport, fetcher clients.LocationFetcher, throttle *clients.Throttle, logger *zap.Logger) *GraphQLAdapter {
	return &GraphQLAdapter{
		cfg:       cfg,
		transport: transport,
		launcher:  bulk.NewLauncher(transport, throttle, logger),
		poller:    bulk.NewPoller(transport, throttle, cfg.Poll, logger),
		download:  bulk.NewDownloader(fetcher, throttle, logger),
		logger:    logger.With(zap.String("component", "graphql_adapter"), zap.String("kind", cfg.Kind)),
	}
}

// Kind names the resource kind this adapter serves.
func (g *GraphQLAdapter) Kind() string {
	return g.cfg.Kind
}

// Create creates a record and returns its remote-assigned ID.
func (g *GraphQLAdapter) Create(ctx context.Context, rec *record.Record) (string, error) {
	data, err := g.mutate(ctx, g.cfg.CreateMutation, map[string]interface{}{
		"input": rec.Fields,
	})
	if err != nil {
		return "", err
	}

	id, found := findID(data)
	if !found {
		return "", errors.New(errors.ErrorTypeInvalidResponse, "create response carries no id")
	}
	return id, nil
}

// Update updates the record identified by remoteID.
func (g *GraphQLAdapter) Update(ctx context.Context, remoteID string, rec *record.Record) error {
	_, err := g.mutate(ctx, g.cfg.UpdateMutation, map[string]interface{}{
		"id":    remoteID,
		"input": rec.Fields,
	})
	return err
}

// List streams the target's current state by running the listing query as a
// bulk job and downloading its result.
func (g *GraphQLAdapter) List(ctx context.Context) (*bulk.Stream, error) {
	job, err := g.launcher.Launch(ctx, g.cfg.ListQuery)
	if err != nil {
		return nil, err
	}
	job, err = g.poller.Wait(ctx, job.ID)
	if err != nil {
		return nil, err
	}

	// A completed job with no result location means zero objects matched.
	if job.ResultLocation == "" {
		return emptyStream(), nil
	}

	return g.download.Open(ctx, job.ResultLocation, g.cfg.Kind+"_listing"), nil
}

// mutate executes a mutation and surfaces remote validation errors.
func (g *GraphQLAdapter) mutate(ctx context.Context, mutation string, variables map[string]interface{}) (map[string]interface{}, error) {
	payload, err := g.transport.Execute(ctx, mutation, variables)
	if err != nil {
		return nil, err
	}

	var data map[string]interface{}
	if err := gojson.Unmarshal(payload.Data, &data); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInvalidResponse, "failed to decode mutation response")
	}

	if msg, found := findUserError(data); found {
		return nil, errors.Newf(errors.ErrorTypeRemoteRejected, "mutation rejected: %s", msg)
	}

	return data, nil
}

func emptyStream() *bulk.Stream {
	records := make(chan *record.Record)
	errs := make(chan error, 1)
	close(records)
	close(errs)
	return &bulk.Stream{Records: records, Errors: errs}
}

// findUserError walks a decoded mutation response for a non-empty
// userErrors array and returns its first message.
func findUserError(v interface{}) (string, bool) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return "", false
	}
	if ue, ok := m["userErrors"].([]interface{}); ok && len(ue) > 0 {
		if first, ok := ue[0].(map[string]interface{}); ok {
			if msg, ok := first["message"].(string); ok {
				return msg, true
			}
		}
		return "validation error", true
	}
	for _, child := range m {
		if msg, found := findUserError(child); found {
			return msg, true
		}
	}
	return "", false
}

// findID walks a decoded mutation response for the created entity's id.
func findID(v interface{}) (string, bool) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return "", false
	}
	if id, ok := m["id"].(string); ok && id != "" {
		return id, true
	}
	for _, child := range m {
		if id, found := findID(child); found {
			return id, true
		}
	}
	return "", false
}
