package model

import "testing"

func TestTicketCanTransition(t *testing.T) {
	cases := []struct {
		from TicketStatus
		to   TicketStatus
		want bool
	}{
		{TicketStatusNew, TicketStatusInProgress, true},
		{TicketStatusNew, TicketStatusSolved, false},
		{TicketStatusNew, TicketStatusConfirmed, false},
		{TicketStatusInProgress, TicketStatusSolved, true},
		{TicketStatusInProgress, TicketStatusConfirmed, false},
		{TicketStatusInProgress, TicketStatusInProgress, false},
		{TicketStatusSolved, TicketStatusConfirmed, true},
		{TicketStatusSolved, TicketStatusInProgress, true}, // reopen
		{TicketStatusSolved, TicketStatusSolved, false},
		{TicketStatusConfirmed, TicketStatusInProgress, false},
		{TicketStatusConfirmed, TicketStatusSolved, false},
		{TicketStatusConfirmed, TicketStatusConfirmed, false},
	}
	for _, tc := range cases {
		ticket := Ticket{Status: tc.from}
		if got := ticket.CanTransition(tc.to); got != tc.want {
			t.Errorf("%s -> %s = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTicketCanTransitionBy(t *testing.T) {
	const reporterID, supervisorID = int64(1), int64(7)
	cases := []struct {
		name   string
		from   TicketStatus
		to     TicketStatus
		userID int64
		role   Role
		want   bool
	}{
		{"supervisor takes a new ticket", TicketStatusNew, TicketStatusInProgress, supervisorID, RoleSupervisor, true},
		{"scout cannot take a ticket", TicketStatusNew, TicketStatusInProgress, reporterID, RoleScout, false},
		{"supervisor solves", TicketStatusInProgress, TicketStatusSolved, supervisorID, RoleSupervisor, true},
		{"scout cannot solve", TicketStatusInProgress, TicketStatusSolved, reporterID, RoleScout, false},
		{"reporter confirms", TicketStatusSolved, TicketStatusConfirmed, reporterID, RoleScout, true},
		{"supervisor cannot confirm", TicketStatusSolved, TicketStatusConfirmed, supervisorID, RoleSupervisor, false},
		{"reporter reopens a solved ticket", TicketStatusSolved, TicketStatusInProgress, reporterID, RoleScout, true},
		{"supervisor cannot reopen for the reporter", TicketStatusSolved, TicketStatusInProgress, supervisorID, RoleSupervisor, false},
		{"nobody confirms from new", TicketStatusNew, TicketStatusConfirmed, reporterID, RoleScout, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ticket := Ticket{Status: tc.from, ReporterID: reporterID}
			if got := ticket.CanTransitionBy(tc.to, tc.userID, tc.role); got != tc.want {
				t.Errorf("%s -> %s by user=%d role=%s = %v, want %v",
					tc.from, tc.to, tc.userID, tc.role, got, tc.want)
			}
		})
	}
}
