// Package permissions holds the pure decision logic gating chat access.
// Callers fetch the membership snapshot; nothing here does I/O, which keeps
// the rules cacheable and exhaustively testable.
package permissions

import "github.com/sportlevel/messenger/internal/model"

// MembershipSnapshot is everything the rules need about one (chat, user)
// pair at a point in time.
type MembershipSnapshot struct {
	Found     bool
	ChatType  model.ChatType
	Closed    bool
	IsMember  bool
	HasWrite  bool
	HasRead   bool
	Role      model.Role
	IsPrimary bool

	FirstAvailableMessageID *int64
	LastAvailableMessageID  *int64
}

// Denial reasons returned to clients. Stable strings, not free text.
const (
	ReasonChatNotFound        = "chat not found"
	ReasonChatClosed          = "chat is closed"
	ReasonNotMember           = "not a member"
	ReasonNoWritePermission   = "no write permission"
	ReasonSupervisorMatchChat = "supervisor cannot write to match chat"
	ReasonSecondaryScout      = "secondary scout cannot write"
	ReasonSecondarySupervisor = "secondary supervisor cannot write"
	ReasonNoViewPermission    = "no permission to view"
	ReasonSupervisorsOnly     = "only supervisors have access"
)

// IsWritable decides whether the snapshot's user may write to the chat.
// The empty reason accompanies an allow.
func IsWritable(s MembershipSnapshot) (bool, string) {
	if !s.Found {
		return false, ReasonChatNotFound
	}
	if s.Closed {
		return false, ReasonChatClosed
	}
	if !s.IsMember {
		return false, ReasonNotMember
	}
	if !s.HasWrite {
		return false, ReasonNoWritePermission
	}
	switch s.ChatType {
	case model.ChatTypeMatch:
		if s.Role == model.RoleSupervisor {
			return false, ReasonSupervisorMatchChat
		}
		if s.Role == model.RoleScout && !s.IsPrimary {
			return false, ReasonSecondaryScout
		}
	case model.ChatTypeTicket:
		if s.Role == model.RoleSupervisor && !s.IsPrimary {
			return false, ReasonSecondarySupervisor
		}
	}
	return true, ""
}

// AccessDecision is the result of a read-eligibility check. The visibility
// window is only populated for members.
type AccessDecision struct {
	Accessible              bool
	ErrorMessage            string
	FirstAvailableMessageID *int64
	LastAvailableMessageID  *int64
}

// IsAccessible decides whether a user with the given role may view the
// chat. Members always may, within their visibility window; non-members
// depend on the chat type.
func IsAccessible(s MembershipSnapshot, requesterRole model.Role) AccessDecision {
	if !s.Found {
		return AccessDecision{ErrorMessage: ReasonChatNotFound}
	}
	if s.IsMember {
		return AccessDecision{
			Accessible:              true,
			FirstAvailableMessageID: s.FirstAvailableMessageID,
			LastAvailableMessageID:  s.LastAvailableMessageID,
		}
	}
	switch s.ChatType {
	case model.ChatTypePersonal:
		return AccessDecision{ErrorMessage: ReasonNotMember}
	case model.ChatTypeMatch:
		if requesterRole == model.RoleSupervisor || requesterRole == model.RoleBookmaker {
			return AccessDecision{Accessible: true}
		}
		return AccessDecision{ErrorMessage: ReasonNoViewPermission}
	case model.ChatTypeTicket:
		if requesterRole == model.RoleSupervisor {
			return AccessDecision{Accessible: true}
		}
		return AccessDecision{ErrorMessage: ReasonSupervisorsOnly}
	default:
		return AccessDecision{Accessible: true}
	}
}

// CanEditMessage gates edit and delete: ownership only, no role bypass.
// System messages have no sender and can never be edited.
func CanEditMessage(userID int64, msg *model.Message) bool {
	return msg.SenderID != nil && *msg.SenderID == userID
}
