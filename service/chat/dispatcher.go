package chat

import (
	"context"
	"strconv"

	"ChatRelay/logger"
	"ChatRelay/service/protocol"
	"ChatRelay/tools/errs"
	"ChatRelay/tools/ids"
	"ChatRelay/tools/security"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Dispatch routes one decoded envelope. The returned error, if any, is
// reported to the sender by HandleFrame.
func (r *Router) Dispatch(ctx context.Context, c *Conn, env protocol.Inbound) error {
	if e, ok := env.(*protocol.AuthEnvelope); ok {
		return r.handleAuth(ctx, c, e)
	}
	if c.State() != StateAuthenticated {
		return errs.ErrAuthRequired.WithDetail(env.Type() + " before auth")
	}
	if _, ok := env.(*protocol.PingEnvelope); !ok && !c.allow() {
		return errs.ErrRateLimited
	}

	switch e := env.(type) {
	case *protocol.ChatMessageEnvelope:
		return r.handleChatMessage(ctx, c, e)
	case *protocol.MarkReadEnvelope:
		return r.handleMarkRead(ctx, c, e)
	case *protocol.TypingEnvelope:
		return r.handleTyping(ctx, c, e)
	case *protocol.PingEnvelope:
		c.Send(&protocol.Pong{})
		return nil
	default:
		return errs.ErrProtocol.WithDetail("unsupported type " + env.Type())
	}
}

func (r *Router) handleAuth(ctx context.Context, c *Conn, e *protocol.AuthEnvelope) error {
	switch c.State() {
	case StateAuthenticated:
		return errs.ErrAlreadyAuthenticated
	case StateClosing:
		return nil
	}
	if e.Token == "" {
		return errs.ErrAuthRequired.WithDetail("token is required")
	}
	claims, err := security.Verify(r.opts.Auth, e.Token)
	if err != nil {
		logger.Info("auth rejected", zap.String("conn", c.ID), zap.String("remote", c.Remote), zap.Error(err))
		return errs.ErrAuthRequired.WithDetail("invalid token")
	}
	if e.UserID != "" && e.UserID != claims.Subject {
		logger.Info("auth rejected: user mismatch", zap.String("conn", c.ID), zap.String("claimed", e.UserID), zap.String("subject", claims.Subject))
		return errs.ErrAuthRequired.WithDetail("userId does not match token")
	}
	if !c.authenticate(claims.Subject) {
		return errs.ErrAlreadyAuthenticated
	}
	if err := r.registry.Register(ctx, c); err != nil {
		if errors.Is(err, ErrConnClosed) {
			return nil
		}
		return errs.ErrInternal.Closing().WithDetail(err.Error())
	}
	logger.Info("connection authenticated", zap.String("conn", c.ID), zap.String("user", claims.Subject), zap.String("remote", c.Remote))
	c.Send(&protocol.AuthSuccess{UserID: claims.Subject})
	return nil
}

func (r *Router) handleChatMessage(ctx context.Context, c *Conn, e *protocol.ChatMessageEnvelope) error {
	if err := e.Validate(r.opts.MaxContentLen); err != nil {
		return err
	}
	sender := c.UserID()
	users, err := r.participants(ctx, sender, e.ThreadID)
	if err != nil {
		return err
	}

	pctx, cancel := context.WithTimeout(ctx, r.opts.PersistTimeout)
	msg, err := r.store.PersistMessage(pctx, e.ThreadID, sender, e.Content, e.Attachments)
	cancel()
	if err != nil {
		logger.Error("persist message failed", zap.String("conn", c.ID), zap.String("user", sender), zap.String("thread", e.ThreadID), zap.Error(err))
		return errs.ErrPersistence
	}
	r.metrics.MessagePersisted()

	frame := protocol.MustEncode(&protocol.NewMessage{ThreadID: e.ThreadID, Message: msg})
	r.broadcast(ctx, users, "", protocol.TypeNewMessage, frame)

	r.setTyping(ctx, users, e.ThreadID, sender, false, func() bool {
		return r.typing.Stop(e.ThreadID, sender)
	})
	r.publish(ctx, protocol.TypeNewMessage, e.ThreadID, sender, users, frame)
	return nil
}

func (r *Router) handleMarkRead(ctx context.Context, c *Conn, e *protocol.MarkReadEnvelope) error {
	if err := e.Validate(); err != nil {
		return err
	}
	reader := c.UserID()
	users, err := r.participants(ctx, reader, e.ThreadID)
	if err != nil {
		return err
	}

	now := r.opts.Now()
	// an id from the future is capped at the newest id possible now
	candidate := ids.MaxAt(now)
	if e.MessageID != "" {
		id, err := ids.Parse(e.MessageID)
		if err != nil {
			return errs.ErrProtocol.WithDetail("messageId is not a message id")
		}
		if id < candidate {
			candidate = id
		}
	}

	mark, advanced, err := r.reads.Advance(ctx, e.ThreadID, reader, candidate, now)
	if err != nil {
		logger.Error("read state update failed", zap.String("user", reader), zap.String("thread", e.ThreadID), zap.Error(err))
		return errs.ErrPersistence.WithDetail("read state not saved")
	}
	if !advanced {
		return nil
	}

	frame := protocol.MustEncode(&protocol.MessagesRead{
		ThreadID:          e.ThreadID,
		UserID:            reader,
		LastReadMessageID: strconv.FormatInt(mark.MessageID, 10),
		ReadAt:            mark.ReadAt,
	})
	r.broadcast(ctx, users, reader, protocol.TypeMessagesRead, frame)
	r.publish(ctx, protocol.TypeMessagesRead, e.ThreadID, reader, others(users, reader), frame)
	return nil
}

func (r *Router) handleTyping(ctx context.Context, c *Conn, e *protocol.TypingEnvelope) error {
	if err := e.Validate(); err != nil {
		return err
	}
	user := c.UserID()
	users, err := r.participants(ctx, user, e.ThreadID)
	if err != nil {
		return err
	}
	r.setTyping(ctx, users, e.ThreadID, user, e.IsTyping, func() bool {
		if e.IsTyping {
			r.typing.Start(e.ThreadID, user)
		} else {
			r.typing.Stop(e.ThreadID, user)
		}
		return true
	})
	return nil
}
