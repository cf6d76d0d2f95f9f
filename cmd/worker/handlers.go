package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/trovehq/trove/internal/queue"
)

const (
	bookmarkQueue    = "bookmarks"
	mediaQueue       = "media"
	maintenanceQueue = "maintenance"
)

// jobLister is the optional listing capability both drivers implement.
type jobLister interface {
	ListJobs(ctx context.Context, queueName string, status queue.Status, limit int) ([]*queue.Job, error)
}

// handleBookmarkCrawl ingests a saved URL: fetch the page, extract content,
// index it for search. Each phase is a stage so the UI can render pipeline
// progress.
func handleBookmarkCrawl(jc *queue.JobContext) error {
	url, _ := jc.Data()["url"].(string)
	if url == "" {
		return queue.Permanent(fmt.Errorf("bookmark job missing url"))
	}
	if err := jc.InitStages("fetch", "extract", "index"); err != nil {
		return err
	}

	if err := jc.StartStage("fetch"); err != nil {
		return err
	}
	body, err := fetchPage(jc.Context(), url)
	if err != nil {
		if failErr := jc.FailStage("fetch", err); failErr != nil {
			return failErr
		}
		return queue.Retryablef("fetch %s: %v", url, err)
	}
	if err := jc.CompleteStage("fetch", map[string]any{"bytes": len(body)}); err != nil {
		return err
	}

	if err := jc.StartStage("extract"); err != nil {
		return err
	}
	title, text := extractContent(body)
	if err := jc.CompleteStage("extract", map[string]any{"title": title, "chars": len(text)}); err != nil {
		return err
	}

	if err := jc.StartStage("index"); err != nil {
		return err
	}
	if err := indexDocument(jc, url, title, text); err != nil {
		if failErr := jc.FailStage("index", err); failErr != nil {
			return failErr
		}
		return err
	}
	return jc.CompleteStage("index", nil)
}

// handleThumbnail renders preview images for a stored asset. Simulated sizes
// stand in for the real renderer; the loop shape (heartbeat, progress,
// cancellation check) is the part that matters.
func handleThumbnail(jc *queue.JobContext) error {
	assetID, _ := jc.Data()["asset_id"].(string)
	if assetID == "" {
		return queue.Permanent(fmt.Errorf("thumbnail job missing asset_id"))
	}
	sizes := []int{128, 256, 512, 1024}
	for i, size := range sizes {
		select {
		case <-jc.Cancelled():
			return jc.Context().Err()
		default:
		}
		if err := renderThumbnail(jc.Context(), assetID, size); err != nil {
			return queue.Retryablef("render %dpx for %s: %v", size, assetID, err)
		}
		jc.Progress((i + 1) * 100 / len(sizes))
	}
	jc.Log("Thumbnails rendered", "asset_id", assetID, "sizes", len(sizes))
	return nil
}

// handleMaintenance dispatches scheduled housekeeping tasks.
func handleMaintenance(client *queue.Client) queue.Handler {
	queues := []string{bookmarkQueue, mediaQueue, maintenanceQueue}
	return func(jc *queue.JobContext) error {
		task, _ := jc.Data()["task"].(string)
		switch task {
		case "stats_snapshot":
			for _, q := range queues {
				stats, err := client.Stats(jc.Context(), q)
				if err != nil {
					return err
				}
				jc.Log("Queue stats",
					"queue", q,
					"pending", stats.Pending,
					"processing", stats.Processing,
					"delayed", stats.Delayed,
					"completed", stats.Completed,
					"failed", stats.Failed,
				)
			}
			return nil
		case "retry_stalled":
			lister, ok := client.Driver().(jobLister)
			if !ok {
				return nil
			}
			retried := 0
			for _, q := range queues {
				failed, err := lister.ListJobs(jc.Context(), q, queue.StatusFailed, 200)
				if err != nil {
					return err
				}
				for _, job := range failed {
					if !strings.HasPrefix(job.LastError, "stalled:") {
						continue
					}
					ok, err := client.Retry(jc.Context(), job.ID)
					if err != nil {
						return err
					}
					if ok {
						retried++
					}
				}
			}
			jc.Log("Stalled failures re-queued", "count", retried)
			return nil
		default:
			return queue.Permanent(fmt.Errorf("unknown maintenance task %q", task))
		}
	}
}

func fetchPage(ctx context.Context, url string) ([]byte, error) {
	// Placeholder fetcher; the real crawler plugs in here.
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Millisecond):
	}
	return []byte("<html><title>" + url + "</title></html>"), nil
}

func extractContent(body []byte) (title, text string) {
	s := string(body)
	if i := strings.Index(s, "<title>"); i >= 0 {
		if j := strings.Index(s[i:], "</title>"); j >= 0 {
			title = s[i+len("<title>") : i+j]
		}
	}
	return title, s
}

func indexDocument(jc *queue.JobContext, url, title, text string) error {
	jc.Log("Indexed bookmark", "url", url, "title", title, "chars", len(text))
	return nil
}

func renderThumbnail(ctx context.Context, assetID string, size int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return nil
	}
}
