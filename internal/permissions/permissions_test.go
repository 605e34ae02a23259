package permissions

import (
	"fmt"
	"testing"

	"github.com/sportlevel/messenger/internal/model"
)

// expectedWritable mirrors the write rules independently of the production
// order of checks, so the table below enumerates every combination instead
// of sampling.
func expectedWritable(s MembershipSnapshot) (bool, string) {
	switch {
	case !s.Found:
		return false, ReasonChatNotFound
	case s.Closed:
		return false, ReasonChatClosed
	case !s.IsMember:
		return false, ReasonNotMember
	case !s.HasWrite:
		return false, ReasonNoWritePermission
	}
	if s.ChatType == model.ChatTypeMatch {
		if s.Role == model.RoleSupervisor {
			return false, ReasonSupervisorMatchChat
		}
		if s.Role == model.RoleScout && !s.IsPrimary {
			return false, ReasonSecondaryScout
		}
	}
	if s.ChatType == model.ChatTypeTicket && s.Role == model.RoleSupervisor && !s.IsPrimary {
		return false, ReasonSecondarySupervisor
	}
	return true, ""
}

func TestIsWritableFullMatrix(t *testing.T) {
	chatTypes := []model.ChatType{model.ChatTypePersonal, model.ChatTypeMatch, model.ChatTypeTicket, model.ChatType("unknown")}
	roles := []model.Role{model.RoleScout, model.RoleBookmaker, model.RoleSupervisor}
	bools := []bool{false, true}

	n := 0
	for _, found := range bools {
		for _, ct := range chatTypes {
			for _, closed := range bools {
				for _, member := range bools {
					for _, write := range bools {
						for _, role := range roles {
							for _, primary := range bools {
								s := MembershipSnapshot{
									Found:     found,
									ChatType:  ct,
									Closed:    closed,
									IsMember:  member,
									HasWrite:  write,
									Role:      role,
									IsPrimary: primary,
								}
								wantOK, wantReason := expectedWritable(s)
								gotOK, gotReason := IsWritable(s)
								if gotOK != wantOK || gotReason != wantReason {
									t.Errorf("%+v: got (%v, %q), want (%v, %q)", s, gotOK, gotReason, wantOK, wantReason)
								}
								n++
							}
						}
					}
				}
			}
		}
	}
	if n != 2*4*2*2*2*3*2 {
		t.Fatalf("matrix covered %d combinations", n)
	}
}

func TestIsWritableSpotChecks(t *testing.T) {
	// Pin a few rows explicitly in case the mirror function and the
	// implementation ever drift together.
	cases := []struct {
		name   string
		s      MembershipSnapshot
		ok     bool
		reason string
	}{
		{"match primary scout", MembershipSnapshot{Found: true, ChatType: model.ChatTypeMatch, IsMember: true, HasWrite: true, Role: model.RoleScout, IsPrimary: true}, true, ""},
		{"match secondary scout", MembershipSnapshot{Found: true, ChatType: model.ChatTypeMatch, IsMember: true, HasWrite: true, Role: model.RoleScout}, false, ReasonSecondaryScout},
		{"match supervisor even primary", MembershipSnapshot{Found: true, ChatType: model.ChatTypeMatch, IsMember: true, HasWrite: true, Role: model.RoleSupervisor, IsPrimary: true}, false, ReasonSupervisorMatchChat},
		{"ticket secondary supervisor", MembershipSnapshot{Found: true, ChatType: model.ChatTypeTicket, IsMember: true, HasWrite: true, Role: model.RoleSupervisor}, false, ReasonSecondarySupervisor},
		{"ticket primary supervisor", MembershipSnapshot{Found: true, ChatType: model.ChatTypeTicket, IsMember: true, HasWrite: true, Role: model.RoleSupervisor, IsPrimary: true}, true, ""},
		{"personal plain member", MembershipSnapshot{Found: true, ChatType: model.ChatTypePersonal, IsMember: true, HasWrite: true, Role: model.RoleBookmaker}, true, ""},
		{"closed chat", MembershipSnapshot{Found: true, ChatType: model.ChatTypePersonal, Closed: true, IsMember: true, HasWrite: true, Role: model.RoleBookmaker}, false, ReasonChatClosed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, reason := IsWritable(tc.s)
			if ok != tc.ok || reason != tc.reason {
				t.Errorf("got (%v, %q), want (%v, %q)", ok, reason, tc.ok, tc.reason)
			}
		})
	}
}

func TestIsAccessible(t *testing.T) {
	first, last := int64(10), int64(99)
	member := MembershipSnapshot{
		Found: true, ChatType: model.ChatTypeMatch, IsMember: true,
		FirstAvailableMessageID: &first, LastAvailableMessageID: &last,
	}
	d := IsAccessible(member, model.RoleScout)
	if !d.Accessible || d.FirstAvailableMessageID != &first || d.LastAvailableMessageID != &last {
		t.Errorf("member access = %+v", d)
	}

	cases := []struct {
		chatType   model.ChatType
		role       model.Role
		accessible bool
		msg        string
	}{
		{model.ChatTypePersonal, model.RoleSupervisor, false, ReasonNotMember},
		{model.ChatTypeMatch, model.RoleSupervisor, true, ""},
		{model.ChatTypeMatch, model.RoleBookmaker, true, ""},
		{model.ChatTypeMatch, model.RoleScout, false, ReasonNoViewPermission},
		{model.ChatTypeTicket, model.RoleSupervisor, true, ""},
		{model.ChatTypeTicket, model.RoleBookmaker, false, ReasonSupervisorsOnly},
		{model.ChatTypeTicket, model.RoleScout, false, ReasonSupervisorsOnly},
		{model.ChatType("other"), model.RoleScout, true, ""},
	}
	for _, tc := range cases {
		name := fmt.Sprintf("%s/%s", tc.chatType, tc.role)
		t.Run(name, func(t *testing.T) {
			s := MembershipSnapshot{Found: true, ChatType: tc.chatType}
			d := IsAccessible(s, tc.role)
			if d.Accessible != tc.accessible || d.ErrorMessage != tc.msg {
				t.Errorf("got (%v, %q), want (%v, %q)", d.Accessible, d.ErrorMessage, tc.accessible, tc.msg)
			}
		})
	}

	if d := IsAccessible(MembershipSnapshot{}, model.RoleSupervisor); d.Accessible || d.ErrorMessage != ReasonChatNotFound {
		t.Errorf("missing chat = %+v", d)
	}
}

func TestCanEditMessage(t *testing.T) {
	owner := int64(42)
	msg := &model.Message{ID: 1, SenderID: &owner}
	if !CanEditMessage(42, msg) {
		t.Error("owner denied")
	}
	if CanEditMessage(7, msg) {
		t.Error("non-owner allowed")
	}
	if CanEditMessage(42, &model.Message{ID: 2}) {
		t.Error("system message allowed")
	}
}
