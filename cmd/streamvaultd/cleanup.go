// ABOUTME: Background cleanup routine for expired bearer tokens.
// ABOUTME: Prevents unbounded growth of the api_tokens collection.

package main

import (
	"context"
	"log"
	"time"
)

// cleanupExpired deletes expired api_tokens records, returning the count.
func (s *Server) cleanupExpired(_ context.Context) int64 {
	now := time.Now().Unix()

	col, err := s.app.FindCollectionByNameOrId("api_tokens")
	if err != nil {
		log.Printf("cleanup tokens error: %v", err)
		return 0
	}
	records, err := s.app.FindRecordsByFilter(col, "expires_at < {:now}", "", 500, 0,
		map[string]any{"now": now})
	if err != nil {
		log.Printf("cleanup tokens error: %v", err)
		return 0
	}

	var purged int64
	for _, rec := range records {
		if err := s.app.Delete(rec); err != nil {
			log.Printf("cleanup token delete error: %v", err)
			continue
		}
		purged++
	}
	return purged
}

// startCleanupRoutine runs cleanup every hour in background.
func (s *Server) startCleanupRoutine(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.cleanupExpired(ctx); n > 0 {
					log.Printf("cleanup: purged %d expired tokens", n)
				}
			}
		}
	}()
}
