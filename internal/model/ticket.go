package model

import "time"

type TicketStatus string

const (
	TicketStatusNew        TicketStatus = "new"
	TicketStatusInProgress TicketStatus = "in_progress"
	TicketStatusSolved     TicketStatus = "solved"
	TicketStatusConfirmed  TicketStatus = "confirmed"
)

type Ticket struct {
	ID          int64        `json:"id"`
	ChatID      int64        `json:"chat_id"`
	ReporterID  int64        `json:"reporter_id"`
	AssigneeID  *int64       `json:"assignee_id,omitempty"`
	Status      TicketStatus `json:"status"`
	CloseReason string       `json:"close_reason,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   *time.Time   `json:"updated_at,omitempty"`
}

// CanTransition reports whether the ticket may move to the target status.
// Confirm is only valid from solved; reopen goes back to in_progress and is
// only valid once the ticket left the new state.
func (t *Ticket) CanTransition(to TicketStatus) bool {
	switch to {
	case TicketStatusInProgress:
		return t.Status == TicketStatusNew || t.Status == TicketStatusSolved
	case TicketStatusSolved:
		return t.Status == TicketStatusInProgress
	case TicketStatusConfirmed:
		return t.Status == TicketStatusSolved
	}
	return false
}

// CanTransitionBy additionally applies actor rules: only the reporter may
// confirm or reopen a solved ticket; the assigned supervisor drives the rest.
func (t *Ticket) CanTransitionBy(to TicketStatus, userID int64, role Role) bool {
	if !t.CanTransition(to) {
		return false
	}
	switch to {
	case TicketStatusConfirmed:
		return userID == t.ReporterID
	case TicketStatusInProgress:
		if t.Status == TicketStatusSolved {
			return userID == t.ReporterID
		}
		return role == RoleSupervisor
	case TicketStatusSolved:
		return role == RoleSupervisor
	}
	return false
}
