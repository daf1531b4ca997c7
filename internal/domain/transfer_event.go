package domain

import "time"

// TransferLifecycleEvent is the message published for transfer lifecycle
// updates (completed, relay pending, reversed).
type TransferLifecycleEvent struct {
	EventID                  string    `json:"event_id"`
	EventType                string    `json:"event_type"`
	TransferID               string    `json:"transfer_id"`
	State                    string    `json:"state"`
	Kind                     string    `json:"kind"`
	SourceOwnerID            string    `json:"source_owner_id"`
	SourceAccountNumber      string    `json:"source_account_number"`
	DestinationAccountNumber string    `json:"destination_account_number"`
	RoutingCode              string    `json:"routing_code,omitempty"`
	Amount                   int64     `json:"amount"`
	RelayTicketID            string    `json:"relay_ticket_id,omitempty"`
	Reason                   string    `json:"reason,omitempty"`
	OccurredAt               time.Time `json:"occurred_at"`
}

// CompensationAlert is published when reversal of an already-applied debit
// itself failed. It represents money debited but neither credited nor
// returned, so it must reach an operator rather than a log line alone.
type CompensationAlert struct {
	EventID             string    `json:"event_id"`
	TransferID          string    `json:"transfer_id"`
	SourceOwnerID       string    `json:"source_owner_id"`
	SourceAccountNumber string    `json:"source_account_number"`
	Amount              int64     `json:"amount"`
	FailureDetail       string    `json:"failure_detail"`
	OccurredAt          time.Time `json:"occurred_at"`
}
