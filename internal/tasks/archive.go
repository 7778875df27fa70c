package tasks

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"billingcore/internal/blob"
	"billingcore/pkg/domain"
)

// TaskLedgerArchive names the task that archives a committed effect batch.
const TaskLedgerArchive = "ledger.archive"

// ArchiveBatch is the payload of a ledger.archive trigger: the effects the
// transaction persisted, serialized for cold storage.
type ArchiveBatch struct {
	OrganizationID string                 `json:"organization_id"`
	Livemode       bool                   `json:"livemode"`
	Events         []domain.EventInsert   `json:"events,omitempty"`
	LedgerCommands []domain.LedgerCommand `json:"ledger_commands,omitempty"`
}

// ArchiveTrigger builds the trigger for a batch. Business logic queues it via
// the transaction's TriggerTask function.
func ArchiveTrigger(batch ArchiveBatch) (domain.TaskTrigger, error) {
	payload, err := json.Marshal(batch)
	if err != nil {
		return domain.TaskTrigger{}, fmt.Errorf("encode archive batch: %w", err)
	}
	return domain.TaskTrigger{Name: TaskLedgerArchive, Payload: payload}, nil
}

// NewLedgerArchiveHandler writes each batch to the blob store under a
// content-addressed key, so replayed triggers land on the same artifact and
// the create-only Put refuses silent overwrites.
func NewLedgerArchiveHandler(store blob.Store) HandlerFunc {
	return func(ctx context.Context, trigger domain.TaskTrigger) error {
		sum := sha256.Sum256(trigger.Payload)
		key := "ledger-archive/" + hex.EncodeToString(sum[:]) + ".json"
		var batch ArchiveBatch
		if err := json.Unmarshal(trigger.Payload, &batch); err != nil {
			return fmt.Errorf("decode archive batch: %w", err)
		}
		_, err := store.Put(ctx, key, bytes.NewReader(trigger.Payload), blob.PutOptions{
			ContentType: "application/json",
			Metadata: map[string]string{
				"organization_id": batch.OrganizationID,
				"livemode":        strconv.FormatBool(batch.Livemode),
				"events":          strconv.Itoa(len(batch.Events)),
				"ledger_commands": strconv.Itoa(len(batch.LedgerCommands)),
			},
		})
		if err != nil {
			return fmt.Errorf("archive batch %s: %w", key, err)
		}
		return nil
	}
}
