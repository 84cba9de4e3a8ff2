package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/vietddude/recoverd/internal/core/domain"
	"github.com/vietddude/recoverd/internal/staging"
)

// HeaderCommandType names the command carried in a message body.
const HeaderCommandType = "Recoverd.CommandType"

const (
	CommandTypeRetryAllInGroup   = "RetryAllInGroup"
	CommandTypeRetryMessagesByID = "RetryMessagesById"
)

// ErrUnknownCommand is returned for messages with a missing or unknown command type.
var ErrUnknownCommand = errors.New("unknown command")

// RetryAllInGroup asks for every unresolved message of a group to be retried.
type RetryAllInGroup struct {
	GroupID string `json:"group_id"`
}

// RetryMessagesByID asks for the listed messages to be retried.
type RetryMessagesByID struct {
	MessageIDs []string `json:"message_ids"`
}

// LocalSender sends to the service's own input address.
type LocalSender interface {
	SendLocal(ctx context.Context, msg *domain.TransportMessage) error
}

// CommandSender enqueues retry commands for the running service.
type CommandSender struct {
	sender LocalSender
}

// NewCommandSender creates a command sender.
func NewCommandSender(sender LocalSender) *CommandSender {
	return &CommandSender{sender: sender}
}

// RetryGroup enqueues a RetryAllInGroup command.
func (s *CommandSender) RetryGroup(ctx context.Context, groupID string) error {
	return s.send(ctx, CommandTypeRetryAllInGroup, RetryAllInGroup{GroupID: groupID})
}

// RetryMessages enqueues a RetryMessagesByID command.
func (s *CommandSender) RetryMessages(ctx context.Context, ids []string) error {
	return s.send(ctx, CommandTypeRetryMessagesByID, RetryMessagesByID{MessageIDs: ids})
}

func (s *CommandSender) send(ctx context.Context, commandType string, cmd any) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", commandType, err)
	}
	msg := domain.NewTransportMessage(uuid.NewString(), map[string]string{
		HeaderCommandType: commandType,
	}, body)
	return s.sender.SendLocal(ctx, msg)
}

// CommandHandler executes retry commands received on the input address.
type CommandHandler struct {
	retryer *Retryer
	log     *slog.Logger
}

var _ staging.MessageHandler = (*CommandHandler)(nil)

// NewCommandHandler creates a handler that starts retries on retryer.
func NewCommandHandler(retryer *Retryer) *CommandHandler {
	return &CommandHandler{
		retryer: retryer,
		log:     slog.Default().With("component", "commands"),
	}
}

// HandleMessage decodes and executes one command.
func (h *CommandHandler) HandleMessage(ctx context.Context, msg *domain.TransportMessage) error {
	commandType, _ := msg.Header(HeaderCommandType)

	var (
		batchID string
		err     error
	)
	switch commandType {
	case CommandTypeRetryAllInGroup:
		var cmd RetryAllInGroup
		if err := json.Unmarshal(msg.Body, &cmd); err != nil {
			return fmt.Errorf("failed to decode %s: %w", commandType, err)
		}
		batchID, err = h.retryer.RetryGroup(ctx, cmd.GroupID)

	case CommandTypeRetryMessagesByID:
		var cmd RetryMessagesByID
		if err := json.Unmarshal(msg.Body, &cmd); err != nil {
			return fmt.Errorf("failed to decode %s: %w", commandType, err)
		}
		batchID, err = h.retryer.RetryMessages(ctx, cmd.MessageIDs)

	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, commandType)
	}

	if errors.Is(err, ErrEmptySelection) {
		h.log.Warn("Ignoring empty retry command", "command", commandType, "id", msg.ID)
		return nil
	}
	if err != nil {
		return err
	}

	h.log.Info("Retry command accepted", "command", commandType, "id", msg.ID, "batch", batchID)
	return nil
}
