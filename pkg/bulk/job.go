// Package bulk implements the asynchronous bulk-extraction job lifecycle
// and the streaming download of its line-delimited result payload.
//
// A bulk job is a long-running extraction task on a platform instance,
// identified by an opaque token and observed via polling. The Launcher
// submits the extraction, the Poller drives the job's status state machine
// to a terminal outcome, and the Downloader turns the completed job's
// result location into a lazy stream of records.
package bulk

import (
	"context"
	"strconv"
	"time"

	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/storesync/storesync/pkg/clients"
	"github.com/storesync/storesync/pkg/errors"
)

// Status is a bulk job state. The remote job moves CREATED → RUNNING and
// then settles in exactly one of the four terminal states.
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCanceled  Status = "CANCELED"
	StatusExpired   Status = "EXPIRED"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled, StatusExpired:
		return true
	default:
		return false
	}
}

// Job is the transient view of one remote bulk operation. It is never
// persisted; the engine holds a reference only for the duration of a run.
type Job struct {
	ID             string
	Status         Status
	CreatedAt      time.Time
	CompletedAt    time.Time
	ResultLocation string
	ErrorCode      string
	ObjectCount    int64
}

const runQueryMutation = `mutation bulkOperationRunQuery($query: String!) {
  bulkOperationRunQuery(query: $query) {
    bulkOperation {
      id
      status
      createdAt
    }
    userErrors {
      field
      message
    }
  }
}`

const statusQuery = `query bulkOperationStatus($id: ID!) {
  node(id: $id) {
    ... on BulkOperation {
      id
      status
      errorCode
      objectCount
      url
      createdAt
      completedAt
    }
  }
}`

// userError is a remote-side validation error on an accepted call.
type userError struct {
	Field   []string `json:"field"`
	Message string   `json:"message"`
}

// jobNode is the wire shape of a bulk operation. The platform serializes
// objectCount as a string.
type jobNode struct {
	ID          string `json:"id"`
	Status      Status `json:"status"`
	ErrorCode   string `json:"errorCode"`
	ObjectCount string `json:"objectCount"`
	URL         string `json:"url"`
	CreatedAt   string `json:"createdAt"`
	CompletedAt string `json:"completedAt"`
}

func (n *jobNode) toJob() *Job {
	job := &Job{
		ID:             n.ID,
		Status:         n.Status,
		ResultLocation: n.URL,
		ErrorCode:      n.ErrorCode,
	}
	if n.ObjectCount != "" {
		if count, err := strconv.ParseInt(n.ObjectCount, 10, 64); err == nil {
			job.ObjectCount = count
		}
	}
	if n.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339, n.CreatedAt); err == nil {
			job.CreatedAt = t
		}
	}
	if n.CompletedAt != "" {
		if t, err := time.Parse(time.RFC3339, n.CompletedAt); err == nil {
			job.CompletedAt = t
		}
	}
	return job
}

// Launcher submits extraction requests as bulk jobs.
type Launcher struct {
	transport clients.QueryTransport
	throttle  *clients.Throttle
	logger    *zap.Logger
}

// NewLauncher creates a launcher over the given transport and throttle.
func NewLauncher(transport clients.QueryTransport, throttle *clients.Throttle, logger *zap.Logger) *Launcher {
	return &Launcher{
		transport: transport,
		throttle:  throttle,
		logger:    logger.With(zap.String("component", "launcher")),
	}
}

// Launch submits the extraction query and returns the created job. It fails
// with an invalid_response error if the response carries no job token, and
// with remote_rejected if the submission itself reports validation errors.
func (l *Launcher) Launch(ctx context.Context, extraction string) (*Job, error) {
	var payload *clients.QueryPayload
	err := l.throttle.Do(ctx, "bulk_launch", func(ctx context.Context) error {
		var callErr error
		payload, callErr = l.transport.Execute(ctx, runQueryMutation, map[string]interface{}{
			"query": extraction,
		})
		return callErr
	})
	if err != nil {
		return nil, err
	}

	var resp struct {
		BulkOperationRunQuery struct {
			BulkOperation *jobNode    `json:"bulkOperation"`
			UserErrors    []userError `json:"userErrors"`
		} `json:"bulkOperationRunQuery"`
	}
	if err := gojson.Unmarshal(payload.Data, &resp); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInvalidResponse, "failed to decode launch response")
	}

	if ue := resp.BulkOperationRunQuery.UserErrors; len(ue) > 0 {
		return nil, errors.Newf(errors.ErrorTypeRemoteRejected, "extraction rejected: %s", ue[0].Message).
			WithDetail("error_count", len(ue))
	}

	op := resp.BulkOperationRunQuery.BulkOperation
	if op == nil || op.ID == "" {
		return nil, errors.New(errors.ErrorTypeInvalidResponse, "launch response carries no job token")
	}

	job := op.toJob()
	l.logger.Info("bulk job launched",
		zap.String("job_id", job.ID),
		zap.String("status", string(job.Status)))
	return job, nil
}

// fetchJob queries the current state of a bulk job by its token.
func fetchJob(ctx context.Context, transport clients.QueryTransport, throttle *clients.Throttle, jobID string) (*Job, error) {
	var payload *clients.QueryPayload
	err := throttle.Do(ctx, "bulk_status", func(ctx context.Context) error {
		var callErr error
		payload, callErr = transport.Execute(ctx, statusQuery, map[string]interface{}{
			"id": jobID,
		})
		return callErr
	})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Node *jobNode `json:"node"`
	}
	if err := gojson.Unmarshal(payload.Data, &resp); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInvalidResponse, "failed to decode status response")
	}
	if resp.Node == nil || resp.Node.ID == "" {
		return nil, errors.Newf(errors.ErrorTypeInvalidResponse, "status response carries no job %s", jobID)
	}

	return resp.Node.toJob(), nil
}
