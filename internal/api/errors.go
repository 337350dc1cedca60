package api

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/khushaldangi18/conversa/internal/block"
	"github.com/khushaldangi18/conversa/internal/contacts"
	"github.com/khushaldangi18/conversa/internal/conversation"
	"github.com/khushaldangi18/conversa/internal/profile"
	"github.com/khushaldangi18/conversa/internal/remote"
)

// toStatus converts a domain error into a gRPC status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}

	var code codes.Code
	switch {
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, block.ErrSelfBlock),
		errors.Is(err, contacts.ErrSelfChat),
		errors.Is(err, conversation.ErrEmptyMessage),
		errors.Is(err, conversation.ErrEmptyImage),
		errors.Is(err, profile.ErrEmptyPhoto):
		code = codes.InvalidArgument
	case errors.Is(err, contacts.ErrBlocked),
		errors.Is(err, contacts.ErrNotRecipient),
		errors.Is(err, conversation.ErrNotSender):
		code = codes.PermissionDenied
	case errors.Is(err, contacts.ErrRequestNotPending):
		code = codes.FailedPrecondition
	case errors.Is(err, conversation.ErrClosed):
		code = codes.Aborted
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		switch remote.Classify(err) {
		case remote.KindNotFound:
			code = codes.NotFound
		case remote.KindPermissionDenied:
			code = codes.PermissionDenied
		case remote.KindTransient:
			code = codes.Unavailable
		default:
			code = codes.Internal
		}
	}
	return grpcstatus.Error(code, err.Error())
}
