package ingest

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonschema"
	"github.com/pkg/errors"

	"github.com/go-go-golems/threadsync/pkg/model"
	"github.com/go-go-golems/threadsync/pkg/syncerr"
)

//go:embed schema/batch.schema.json
var batchSchemaJSON []byte

var (
	batchSchemaOnce sync.Once
	batchSchema     *jsonschema.Schema
	batchSchemaErr  error
)

func compiledBatchSchema() (*jsonschema.Schema, error) {
	batchSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		batchSchema, batchSchemaErr = compiler.Compile(batchSchemaJSON)
		if batchSchemaErr != nil {
			batchSchemaErr = errors.Wrap(batchSchemaErr, "ingest: compile batch schema")
		}
	})
	return batchSchema, batchSchemaErr
}

// Batch is the wire envelope accepted by the HTTP, WebSocket and CLI
// surfaces: one mixed list of tagged deltas.
type Batch struct {
	SessionID string          `json:"sessionId"`
	ThreadID  string          `json:"threadId"`
	Deltas    []model.Delta   `json:"deltas"`
	Options   *RequestOptions `json:"options,omitempty"`
}

// Request splits the batch by delta type.
func (b Batch) Request() IngestRequest {
	req := IngestRequest{SessionID: b.SessionID, ThreadID: b.ThreadID, Options: b.Options}
	for _, d := range b.Deltas {
		switch d.Type {
		case model.DeltaStream:
			req.StreamDeltas = append(req.StreamDeltas, d)
		case model.DeltaLifecycle:
			req.LifecycleEvents = append(req.LifecycleEvents, d)
		}
	}
	return req
}

// BatchFromRequest is the inverse of Batch.Request.
func BatchFromRequest(req IngestRequest) Batch {
	b := Batch{SessionID: req.SessionID, ThreadID: req.ThreadID, Options: req.Options}
	for _, d := range req.StreamDeltas {
		d.Type = model.DeltaStream
		b.Deltas = append(b.Deltas, d)
	}
	for _, d := range req.LifecycleEvents {
		d.Type = model.DeltaLifecycle
		b.Deltas = append(b.Deltas, d)
	}
	return b
}

// ValidateBatchJSON checks raw JSON against the batch schema.
func ValidateBatchJSON(data []byte) error {
	schema, err := compiledBatchSchema()
	if err != nil {
		return err
	}
	result := schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return syncerr.New(syncerr.CodeInvalidBatch, "batch schema validation failed: %s", fmt.Sprint(result.Errors))
}

// DecodeBatch validates data and decodes it into an ingest request.
func DecodeBatch(data []byte) (IngestRequest, error) {
	if err := ValidateBatchJSON(data); err != nil {
		return IngestRequest{}, err
	}
	var b Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return IngestRequest{}, syncerr.Wrap(errors.Wrap(err, "ingest: decode batch"), syncerr.CodeInvalidBatch)
	}
	return b.Request(), nil
}
