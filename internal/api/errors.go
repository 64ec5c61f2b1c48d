package api

import (
	"errors"

	"github.com/matheus3301/chatsync/internal/chat"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// toStatus maps domain errors to gRPC status codes.
func toStatus(op string, err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, chat.ErrChatNotFound):
		code = codes.NotFound
	case errors.Is(err, chat.ErrChatExists):
		code = codes.AlreadyExists
	case errors.Is(err, chat.ErrEmptyText),
		errors.Is(err, chat.ErrInvalidRole),
		errors.Is(err, chat.ErrInvalidStatus),
		errors.Is(err, chat.ErrInvalidConversation):
		code = codes.InvalidArgument
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}

// notDurable splits off ErrNotDurable: the mutation happened in memory, so the
// call succeeds and carries a warning instead.
func notDurable(err error) (warning string, rest error) {
	if err != nil && errors.Is(err, chat.ErrNotDurable) {
		return err.Error(), nil
	}
	return "", err
}
