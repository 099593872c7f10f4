package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/reqsmith/reqsmith/engine/domain"
	"github.com/reqsmith/reqsmith/pkg/natsutil"
)

// retryHeader carries the redelivery count on re-published messages.
const retryHeader = "X-Retry-Count"

// DLQMessage is published to the DLQ after MaxRetries failures.
type DLQMessage struct {
	Doc     domain.SourceDocument `json:"doc"`
	Error   string                `json:"error"`
	Retries int                   `json:"retries"`
}

// StartConsumer subscribes to the ingest subject and runs each document
// through the pipeline, with retry and DLQ support. Pipeline failures are
// per-document: a failed document is retried up to MaxRetries and then dead-
// lettered while the subscription keeps consuming.
func StartConsumer(nc *nats.Conn, deps Deps) (*nats.Subscription, error) {
	pipeline := NewPipeline(deps)
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	return nc.Subscribe(IngestSubject, func(msg *nats.Msg) {
		var doc domain.SourceDocument
		if err := json.Unmarshal(msg.Data, &doc); err != nil {
			log.Error("ingest: unmarshal failed", "error", err)
			return
		}

		ctx := context.Background()

		if deps.DeduplicateF != nil {
			exists, err := deps.DeduplicateF(ctx, doc.ID)
			if err != nil {
				log.Warn("ingest: dedup check failed", "error", err)
			} else if exists {
				log.Info("ingest: skipping duplicate", "doc_id", doc.ID)
				return
			}
		}

		retries := 0
		if msg.Header != nil {
			if v := msg.Header.Get(retryHeader); v != "" {
				fmt.Sscanf(v, "%d", &retries)
			}
		}

		result := pipeline(ctx, doc)
		if result.IsErr() {
			_, pipeErr := result.Unwrap()
			retries++
			log.Error("ingest: pipeline failed",
				"error", pipeErr,
				"doc_id", doc.ID,
				"retry", retries,
			)

			if retries >= MaxRetries {
				dlq := DLQMessage{Doc: doc, Error: pipeErr.Error(), Retries: retries}
				if err := natsutil.Publish(ctx, nc, DLQSubject, dlq); err != nil {
					log.Error("ingest: DLQ publish failed", "error", err)
				}
				return
			}

			retryMsg := nats.NewMsg(IngestSubject)
			retryMsg.Data = msg.Data
			retryMsg.Header = nats.Header{}
			retryMsg.Header.Set(retryHeader, fmt.Sprintf("%d", retries))
			if err := nc.PublishMsg(retryMsg); err != nil {
				log.Error("ingest: retry publish failed", "error", err)
			}
			return
		}

		docID, _ := result.Unwrap()
		log.Info("ingest: success", "doc_id", docID)
	})
}

// StartDLQMonitor subscribes to the dead letter subject and logs each dead
// lettered document, with trace context carried over from the failed ingest.
// onDead, if non-nil, is invoked per message (e.g. to bump a counter).
func StartDLQMonitor(nc *nats.Conn, logger *slog.Logger, onDead func(DLQMessage)) (*nats.Subscription, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return natsutil.Subscribe(nc, DLQSubject, func(_ context.Context, m DLQMessage) {
		logger.Error("ingest: document dead lettered",
			"doc_id", m.Doc.ID,
			"retries", m.Retries,
			"error", m.Error,
		)
		if onDead != nil {
			onDead(m)
		}
	})
}

// IngestAll runs a batch of documents through the pipeline. Per-document
// failures are logged and skipped; the batch continues. Returns the counts of
// ingested and failed documents.
func IngestAll(ctx context.Context, deps Deps, docs []domain.SourceDocument) (int, int) {
	pipeline := NewPipeline(deps)
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	count, errs := 0, 0
	for _, doc := range docs {
		if ctx.Err() != nil {
			break
		}
		result := pipeline(ctx, doc)
		if result.IsErr() {
			_, err := result.Unwrap()
			log.Error("ingest: document failed", "doc_id", doc.ID, "error", err)
			errs++
			continue
		}
		count++
	}
	return count, errs
}
