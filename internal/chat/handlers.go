package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/sportlevel/messenger/internal/logger"
	"github.com/sportlevel/messenger/internal/model"
	"github.com/sportlevel/messenger/internal/permissions"
	"github.com/sportlevel/messenger/internal/protocol"
	"github.com/sportlevel/messenger/internal/storage"
	"github.com/sportlevel/messenger/internal/updates"
)

// snapshot fetches the membership snapshot for (chat, user), trusting the
// cache as long as the chat version has not moved.
func (svc *Service) snapshot(ctx context.Context, tx storage.Tx, chatID, userID int64) (permissions.MembershipSnapshot, error) {
	version, err := tx.Chats().Version(ctx, chatID)
	if errors.Is(err, storage.ErrNotFound) {
		return permissions.MembershipSnapshot{}, nil
	}
	if err != nil {
		return permissions.MembershipSnapshot{}, err
	}
	if snap, ok := svc.snapshots.get(chatID, userID, version); ok {
		return snap, nil
	}
	snap, err := tx.Chats().Snapshot(ctx, chatID, userID)
	if err != nil {
		return permissions.MembershipSnapshot{}, err
	}
	svc.snapshots.put(chatID, userID, version, snap)
	return snap, nil
}

func (svc *Service) handleSendMessage(ctx context.Context, s *Session, cmd *protocol.ClientCommand) error {
	p := cmd.SendMessage
	if err := p.Content.Validate(); err != nil || p.Content.IsSystem() {
		s.onClientError()
		s.send(protocol.NewSendFailed(p.TemporaryID, protocol.ErrorCodeValidation, validationText(err)))
		return nil
	}

	var msg *model.Message
	err := svc.store.WithTx(ctx, func(tx storage.Tx) error {
		snap, err := svc.snapshot(ctx, tx, p.ChatID, s.conn.UserID)
		if err != nil {
			return err
		}
		if ok, reason := permissions.IsWritable(snap); !ok {
			return &notPermittedError{reason: reason}
		}
		senderID := s.conn.UserID
		msg, err = tx.Messages().Create(ctx, p.ChatID, &senderID, p.Content, p.ReplyToID)
		return err
	})
	if err != nil {
		var denial *notPermittedError
		if errors.As(err, &denial) {
			s.onClientError()
			s.send(protocol.NewSendFailed(p.TemporaryID, protocol.ErrorCodeNotPermitted, denial.reason))
			return nil
		}
		s.onServerError()
		logger.Errorf("chat: send message chat=%d user=%d: %v", p.ChatID, s.conn.UserID, err)
		s.send(protocol.NewSendFailed(p.TemporaryID, protocol.ErrorCodeServer, "internal error"))
		return nil
	}

	// The update carries this connection's id so the fanout can skip the
	// sender, who gets the synchronous confirmation below instead.
	if err := svc.pub.Publish(ctx, updates.NewMessageSent(*msg, s.conn.ID)); err != nil {
		logger.Criticalf("chat: publish message=%d: %v", msg.ID, err)
	}

	s.send(&protocol.ServerUpdate{
		Type:        protocol.UpdateMessageSent,
		MessageSent: &protocol.MessageSentUpdate{TemporaryID: p.TemporaryID, MessageID: msg.ID},
	})
	return nil
}

func (svc *Service) handleEditMessage(ctx context.Context, s *Session, cmd *protocol.ClientCommand) error {
	p := cmd.EditMessage
	if err := p.Content.Validate(); err != nil || p.Content.IsSystem() {
		s.onClientError()
		s.send(protocol.NewError(protocol.ErrorCodeValidation, validationText(err), protocol.ErrorReasonClient))
		return nil
	}

	var updated *model.Message
	err := svc.store.WithTx(ctx, func(tx storage.Tx) error {
		msg, err := tx.Messages().ByID(ctx, p.MessageID)
		if err != nil {
			return err
		}
		if !permissions.CanEditMessage(s.conn.UserID, msg) {
			return &notPermittedError{reason: "not permitted"}
		}
		updated, err = tx.Messages().UpdateContent(ctx, p.MessageID, p.Content)
		return err
	})
	if err != nil {
		// A missing message is a deliberate silent no-op: a differentiated
		// error would leak which ids exist.
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		var denial *notPermittedError
		if errors.As(err, &denial) {
			s.onClientError()
			s.send(protocol.NewError(protocol.ErrorCodeNotPermitted, denial.reason, protocol.ErrorReasonClient))
			return nil
		}
		return fmt.Errorf("edit message %d: %w", p.MessageID, err)
	}

	if err := svc.pub.Publish(ctx, updates.NewMessageEdited(updated.ForWire(), s.conn.ID)); err != nil {
		logger.Criticalf("chat: publish edit message=%d: %v", p.MessageID, err)
	}
	return nil
}

func (svc *Service) handleDeleteMessage(ctx context.Context, s *Session, cmd *protocol.ClientCommand) error {
	p := cmd.DeleteMessage

	var chatID int64
	err := svc.store.WithTx(ctx, func(tx storage.Tx) error {
		msg, err := tx.Messages().ByID(ctx, p.MessageID)
		if err != nil {
			return err
		}
		if !permissions.CanEditMessage(s.conn.UserID, msg) {
			return &notPermittedError{reason: "not permitted"}
		}
		chatID = msg.ChatID
		return tx.Messages().SoftDelete(ctx, p.MessageID)
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		var denial *notPermittedError
		if errors.As(err, &denial) {
			s.onClientError()
			s.send(protocol.NewError(protocol.ErrorCodeNotPermitted, denial.reason, protocol.ErrorReasonClient))
			return nil
		}
		return fmt.Errorf("delete message %d: %w", p.MessageID, err)
	}

	if err := svc.pub.Publish(ctx, updates.NewMessageDeleted(chatID, p.MessageID, s.conn.ID)); err != nil {
		logger.Criticalf("chat: publish delete message=%d: %v", p.MessageID, err)
	}
	return nil
}

func (svc *Service) handleMarkRead(_ context.Context, s *Session, cmd *protocol.ClientCommand) error {
	svc.debounceStatus(s, cmd.MarkRead.MessageID, model.DeliveryStatusRead)
	return nil
}

func (svc *Service) handleMarkReceived(_ context.Context, s *Session, cmd *protocol.ClientCommand) error {
	svc.debounceStatus(s, cmd.MarkReceived.MessageID, model.DeliveryStatusDelivered)
	return nil
}

// debounceStatus coalesces rapid repeated acks per (user, message, status)
// before touching storage. The debounced write runs off the command loop
// with its own context, and is cancelled wholesale when the session ends.
func (svc *Service) debounceStatus(s *Session, messageID int64, status model.DeliveryStatus) {
	key := fmt.Sprintf("%d:%d:%s", s.conn.UserID, messageID, status)
	s.debounce.Do(key, func() {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		svc.applyStatus(ctx, s, messageID, status)
	})
}

func (svc *Service) applyStatus(ctx context.Context, s *Session, messageID int64, status model.DeliveryStatus) {
	var (
		counts  storage.StatusCounts
		chatID  int64
		matchID *int64
		forAll  bool
	)
	err := svc.store.WithTx(ctx, func(tx storage.Tx) error {
		snap, msgChatID, err := tx.Chats().SnapshotByMessage(ctx, messageID, s.conn.UserID)
		if err != nil {
			return err
		}
		if !snap.Found {
			// Unknown message id: drop silently, same as edit/delete.
			return nil
		}
		if d := permissions.IsAccessible(snap, s.conn.Role); !d.Accessible {
			return &notPermittedError{reason: d.ErrorMessage}
		}
		// Viewing rights are not enough here: status cursors live on the
		// membership row, so a non-member viewer has nothing to ack.
		if !snap.IsMember {
			return &notPermittedError{reason: permissions.ReasonNotMember}
		}
		chatID = msgChatID
		forAll = snap.HasRead
		if chat, err := tx.Chats().ByID(ctx, msgChatID); err == nil {
			matchID = chat.MatchID
		}
		counts, err = tx.Messages().AdvanceStatus(ctx, msgChatID, s.conn.UserID, messageID, status, forAll)
		return err
	})
	if err != nil {
		var denial *notPermittedError
		if errors.As(err, &denial) {
			s.onClientError()
			s.send(protocol.NewError(protocol.ErrorCodeNotPermitted, denial.reason, protocol.ErrorReasonClient))
			return
		}
		s.onServerError()
		logger.Errorf("chat: mark %s message=%d user=%d: %v", status, messageID, s.conn.UserID, err)
		s.send(protocol.NewError(protocol.ErrorCodeServer, "internal error", protocol.ErrorReasonServer))
		return
	}
	if counts.ForUser == 0 && counts.ForAll == 0 {
		return
	}
	u := updates.NewDeliveryStatusChanged(updates.DeliveryStatusChangedPayload{
		ChatID:         chatID,
		MatchID:        matchID,
		UserID:         s.conn.UserID,
		MessageID:      messageID,
		Status:         status,
		ForAll:         forAll,
		UpdatedForUser: counts.ForUser,
		UpdatedForAll:  counts.ForAll,
	}, s.conn.ID)
	if err := svc.pub.Publish(ctx, u); err != nil {
		logger.Criticalf("chat: publish status message=%d: %v", messageID, err)
	}
}

func (svc *Service) handleMarkUnread(_ context.Context, s *Session, cmd *protocol.ClientCommand) error {
	messageID := cmd.MarkUnread.MessageID
	key := fmt.Sprintf("%d:%d:unread", s.conn.UserID, messageID)
	s.unread.Do(key, func() {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		svc.applyUnread(ctx, s, messageID)
	})
	return nil
}

func (svc *Service) applyUnread(ctx context.Context, s *Session, messageID int64) {
	var (
		counts  storage.StatusCounts
		chatID  int64
		matchID *int64
		forAll  bool
	)
	err := svc.store.WithTx(ctx, func(tx storage.Tx) error {
		snap, msgChatID, err := tx.Chats().SnapshotByMessage(ctx, messageID, s.conn.UserID)
		if err != nil {
			return err
		}
		if !snap.Found {
			return nil
		}
		if d := permissions.IsAccessible(snap, s.conn.Role); !d.Accessible {
			return &notPermittedError{reason: d.ErrorMessage}
		}
		if !snap.IsMember {
			return &notPermittedError{reason: permissions.ReasonNotMember}
		}
		chatID = msgChatID
		forAll = snap.HasRead
		if chat, err := tx.Chats().ByID(ctx, msgChatID); err == nil {
			matchID = chat.MatchID
		}
		counts, err = tx.Messages().RollbackUnread(ctx, msgChatID, s.conn.UserID, messageID, forAll)
		return err
	})
	if err != nil {
		var denial *notPermittedError
		if errors.As(err, &denial) {
			s.onClientError()
			s.send(protocol.NewError(protocol.ErrorCodeNotPermitted, denial.reason, protocol.ErrorReasonClient))
			return
		}
		s.onServerError()
		logger.Errorf("chat: mark unread message=%d user=%d: %v", messageID, s.conn.UserID, err)
		s.send(protocol.NewError(protocol.ErrorCodeServer, "internal error", protocol.ErrorReasonServer))
		return
	}
	if counts.ForUser == 0 && counts.ForAll == 0 {
		return
	}
	u := updates.NewDeliveryStatusChanged(updates.DeliveryStatusChangedPayload{
		ChatID:         chatID,
		MatchID:        matchID,
		UserID:         s.conn.UserID,
		MessageID:      messageID,
		Status:         model.DeliveryStatusDelivered,
		ForAll:         forAll,
		UpdatedForUser: counts.ForUser,
		UpdatedForAll:  counts.ForAll,
	}, s.conn.ID)
	if err := svc.pub.Publish(ctx, u); err != nil {
		logger.Criticalf("chat: publish unread message=%d: %v", messageID, err)
	}
}

func (svc *Service) handleTyping(ctx context.Context, s *Session, cmd *protocol.ClientCommand) error {
	p := cmd.Typing
	err := svc.store.WithTx(ctx, func(tx storage.Tx) error {
		snap, err := svc.snapshot(ctx, tx, p.ChatID, s.conn.UserID)
		if err != nil {
			return err
		}
		if ok, reason := permissions.IsWritable(snap); !ok {
			return &notPermittedError{reason: reason}
		}
		return nil
	})
	if err != nil {
		var denial *notPermittedError
		if errors.As(err, &denial) {
			s.onClientError()
			s.send(protocol.NewError(protocol.ErrorCodeNotPermitted, denial.reason, protocol.ErrorReasonClient))
			return nil
		}
		return fmt.Errorf("typing chat=%d: %w", p.ChatID, err)
	}
	// Broadcast-only; nothing is persisted.
	if err := svc.pub.Publish(ctx, updates.NewUserIsTyping(p.ChatID, s.conn.UserID, s.conn.ID)); err != nil {
		logger.Errorf("chat: publish typing chat=%d: %v", p.ChatID, err)
	}
	return nil
}

func (svc *Service) handleReaction(ctx context.Context, s *Session, cmd *protocol.ClientCommand) error {
	p := cmd.Reaction
	if p.Emoji == "" || (p.Op != protocol.ReactionAdd && p.Op != protocol.ReactionRemove) {
		s.onClientError()
		s.send(protocol.NewError(protocol.ErrorCodeValidation, "invalid reaction", protocol.ErrorReasonClient))
		return nil
	}

	var (
		chatID    int64
		reactions []model.Reaction
	)
	err := svc.store.WithTx(ctx, func(tx storage.Tx) error {
		snap, msgChatID, err := tx.Chats().SnapshotByMessage(ctx, p.MessageID, s.conn.UserID)
		if err != nil {
			return err
		}
		if !snap.Found {
			return storage.ErrNotFound
		}
		if !snap.IsMember {
			return &notPermittedError{reason: permissions.ReasonNotMember}
		}
		chatID = msgChatID
		if p.Op == protocol.ReactionAdd {
			reactions, err = tx.Messages().AddReaction(ctx, p.MessageID, s.conn.UserID, p.Emoji)
		} else {
			reactions, err = tx.Messages().RemoveReaction(ctx, p.MessageID, s.conn.UserID, p.Emoji)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		var denial *notPermittedError
		if errors.As(err, &denial) {
			s.onClientError()
			s.send(protocol.NewError(protocol.ErrorCodeNotPermitted, denial.reason, protocol.ErrorReasonClient))
			return nil
		}
		return fmt.Errorf("reaction message=%d: %w", p.MessageID, err)
	}

	if err := svc.pub.Publish(ctx, updates.NewReactionUpdated(chatID, p.MessageID, reactions, "")); err != nil {
		logger.Errorf("chat: publish reaction message=%d: %v", p.MessageID, err)
	}
	return nil
}

func (svc *Service) handleDeviceAlive(ctx context.Context, s *Session, _ *protocol.ClientCommand) error {
	svc.presence.Heartbeat(ctx, s.conn.UserID)
	return nil
}

// notPermittedError carries the denial reason out of a transaction body.
type notPermittedError struct {
	reason string
}

func (e *notPermittedError) Error() string { return e.reason }

func validationText(err error) string {
	switch {
	case err == nil:
		return "unsupported content"
	case errors.Is(err, model.ErrTextTooLong):
		return fmt.Sprintf("text exceeds %d characters", model.MaxTextLength)
	case errors.Is(err, model.ErrContentEmpty):
		return "empty content"
	case errors.Is(err, model.ErrContentAmbiguous):
		return "ambiguous content"
	default:
		return "unsupported content"
	}
}
