package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	p4v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"google.golang.org/protobuf/proto"

	"github.com/frobware/go-p4node/interpreter/store"
)

// GetPipeline returns the last saved forwarding pipeline.
func (s *sqliteStore) GetPipeline(ctx context.Context) (*p4v1.ForwardingPipelineConfig, error) {
	start := time.Now()
	var blob []byte
	err := s.stmts.getPipeline.QueryRowContext(ctx).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		s.logSQL(ctx, "GetPipeline", start, "rows", 0)
		return nil, fmt.Errorf("pipeline: %w", store.ErrNotFound)
	}
	if err != nil {
		s.logSQL(ctx, "GetPipeline", start, "error", err)
		return nil, err
	}
	s.logSQL(ctx, "GetPipeline", start, "rows", 1, "bytes", len(blob))
	cfg := &p4v1.ForwardingPipelineConfig{}
	if err := proto.Unmarshal(blob, cfg); err != nil {
		return nil, fmt.Errorf("decode pipeline: %w", err)
	}
	return cfg, nil
}

// SavePipeline replaces the saved forwarding pipeline.
func (s *sqliteStore) SavePipeline(ctx context.Context, cfg *p4v1.ForwardingPipelineConfig) error {
	blob, err := marshalOpts.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode pipeline: %w", err)
	}
	start := time.Now()
	_, err = s.stmts.savePipeline.ExecContext(ctx, blob, now())
	s.logSQL(ctx, "SavePipeline", start, "bytes", len(blob), "error", err)
	if err != nil {
		return fmt.Errorf("save pipeline: %w", err)
	}
	return nil
}
