package operations

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ConaryLabs/mira/internal/persistence"
)

// createArtifactArgs is the tool-call payload for create_artifact.
type createArtifactArgs struct {
	Kind    string `json:"kind"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Artifacts materialises artifacts from tool calls and loads them back for
// completion events.
type Artifacts struct {
	pool      *persistence.Pool
	lifecycle *Lifecycle
}

func NewArtifacts(pool *persistence.Pool, lifecycle *Lifecycle) *Artifacts {
	return &Artifacts{pool: pool, lifecycle: lifecycle}
}

// Create parses the tool arguments, stores a new artifact version and
// emits ArtifactCreated. Same-name artifacts get incrementing versions.
func (a *Artifacts) Create(ctx context.Context, operationID string, rawArgs json.RawMessage, sink Sink) (*Artifact, error) {
	var args createArtifactArgs
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return nil, fmt.Errorf("parse create_artifact arguments: %w", err)
	}
	if args.Name == "" || args.Content == "" {
		return nil, fmt.Errorf("create_artifact requires name and content")
	}
	if args.Kind == "" {
		args.Kind = "markdown"
	}
	switch args.Kind {
	case "code", "image", "log", "note", "markdown":
	default:
		return nil, fmt.Errorf("unknown artifact kind %q", args.Kind)
	}

	row := &persistence.ArtifactRow{
		ID:          uuid.NewString(),
		OperationID: operationID,
		Kind:        args.Kind,
		Name:        args.Name,
		Content:     args.Content,
	}
	if err := a.pool.StoreArtifact(ctx, row); err != nil {
		return nil, fmt.Errorf("store artifact: %w", err)
	}

	artifact := Artifact{
		ID:          row.ID,
		OperationID: operationID,
		Kind:        row.Kind,
		Name:        row.Name,
		Version:     row.Version,
		Content:     row.Content,
	}
	a.lifecycle.RecordEvent(ctx, operationID, "artifact_created", map[string]any{
		"artifact_id": artifact.ID,
		"kind":        artifact.Kind,
		"name":        artifact.Name,
		"version":     artifact.Version,
	})
	emit(ctx, sink, ArtifactCreated{ID: operationID, Artifact: artifact})
	return &artifact, nil
}

// ForOperation loads every artifact the operation produced.
func (a *Artifacts) ForOperation(ctx context.Context, operationID string) ([]Artifact, error) {
	rows, err := a.pool.ArtifactsForOperation(ctx, operationID)
	if err != nil {
		return nil, err
	}
	out := make([]Artifact, 0, len(rows))
	for _, r := range rows {
		out = append(out, Artifact{
			ID:          r.ID,
			OperationID: r.OperationID,
			Kind:        r.Kind,
			Name:        r.Name,
			Version:     r.Version,
			Content:     r.Content,
		})
	}
	return out, nil
}
