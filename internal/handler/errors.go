package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/echochat/api/internal/auth"
	"github.com/echochat/api/internal/channel"
	"github.com/echochat/api/internal/errcode"
	"github.com/echochat/api/internal/membership"
	"github.com/echochat/api/internal/message"
	"github.com/echochat/api/internal/receipt"
	"github.com/echochat/api/internal/thread"
	"github.com/echochat/api/internal/user"
	"github.com/echochat/api/internal/workspace"
)

// classify maps domain errors onto HTTP status and wire code. Membership
// misses map to NotFound with a flat message, so a caller cannot probe for
// resources it was never shown.
func classify(err error) (status int, code string, msg string) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrTokenInvalid):
		return http.StatusUnauthorized, errcode.AuthInvalid, err.Error()
	case errors.Is(err, auth.ErrTokenExpired):
		return http.StatusUnauthorized, errcode.AuthExpired, err.Error()
	case errors.Is(err, auth.ErrUserDeactivated):
		return http.StatusForbidden, errcode.Forbidden, err.Error()

	case errors.Is(err, auth.ErrPasswordTooShort),
		errors.Is(err, auth.ErrInvalidEmail),
		errors.Is(err, user.ErrInvalidUsername),
		errors.Is(err, workspace.ErrInvalidName),
		errors.Is(err, channel.ErrInvalidChannelName),
		errors.Is(err, message.ErrEmptyContent),
		errors.Is(err, message.ErrContentTooLong),
		errors.Is(err, message.ErrInvalidContentType),
		errors.Is(err, message.ErrInvalidDirection),
		errors.Is(err, message.ErrParentNotFound),
		errors.Is(err, receipt.ErrNegativeMessageNo),
		errors.Is(err, receipt.ErrAheadOfHead):
		return http.StatusBadRequest, errcode.InvalidArgument, err.Error()

	case errors.Is(err, user.ErrUsernameAlreadyInUse),
		errors.Is(err, user.ErrEmailAlreadyInUse),
		errors.Is(err, workspace.ErrNameTaken),
		errors.Is(err, workspace.ErrMembershipExists),
		errors.Is(err, workspace.ErrInviteExpired),
		errors.Is(err, workspace.ErrInviteUsed),
		errors.Is(err, channel.ErrChannelNameTaken),
		errors.Is(err, channel.ErrAlreadyMember):
		return http.StatusConflict, errcode.Conflict, err.Error()

	case errors.Is(err, message.ErrContended):
		return http.StatusConflict, errcode.Contended, err.Error()

	case errors.Is(err, workspace.ErrWorkspaceNotFound),
		errors.Is(err, workspace.ErrNotAMember),
		errors.Is(err, workspace.ErrInviteNotFound),
		errors.Is(err, channel.ErrChannelNotFound),
		errors.Is(err, channel.ErrNotChannelMember),
		errors.Is(err, message.ErrMessageNotFound),
		errors.Is(err, thread.ErrRootNotFound),
		errors.Is(err, user.ErrUserNotFound),
		errors.Is(err, membership.ErrNotMember):
		return http.StatusNotFound, errcode.NotFound, "not found"

	case errors.Is(err, workspace.ErrCannotRemoveOwner),
		errors.Is(err, channel.ErrCannotLeaveGeneral),
		errors.Is(err, channel.ErrCannotDeleteGeneral),
		errors.Is(err, channel.ErrChannelArchived):
		return http.StatusForbidden, errcode.Forbidden, err.Error()

	case errors.Is(err, membership.ErrUnavailable):
		return http.StatusServiceUnavailable, errcode.Unavailable, err.Error()

	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, errcode.Timeout, "store query timed out"
	}
	return http.StatusInternalServerError, errcode.Internal, "internal error"
}
