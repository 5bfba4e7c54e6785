package main

import (
	"context"
	"encoding/json"
	"io"

	"tilebridge/internal/bridge"
)

// Indexer 分页索引
type Indexer interface {
	IndexAll(ctx context.Context, limit int, fn func([]bridge.Document) error) error
}

// writeIndex writes every geocoder document to w as JSON lines.
func writeIndex(ctx context.Context, src Indexer, w io.Writer, limit int) (int, error) {
	enc := json.NewEncoder(w)
	n := 0
	err := src.IndexAll(ctx, limit, func(docs []bridge.Document) error {
		for _, doc := range docs {
			if err := enc.Encode(doc); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}
