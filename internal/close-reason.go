package sessioncontroller

import "fmt"

// SessionCloseStatus is the business code describing why a session was, or
// is about to be, torn down. The codes are grouped by cause and are part of
// the client-facing protocol.
type SessionCloseStatus int16

const (
	CloseStatusUnknownError SessionCloseStatus = 100

	// client-originated
	CloseStatusIllegalRequest       SessionCloseStatus = 400
	CloseStatusHeartbeatTimeout     SessionCloseStatus = 410
	CloseStatusDisconnectedByClient SessionCloseStatus = 500

	// conflict with another device of the same user
	CloseStatusDuplicateLogin          SessionCloseStatus = 510
	CloseStatusKickedOutByOtherDevice  SessionCloseStatus = 511
	CloseStatusDisconnectedByAdmin     SessionCloseStatus = 512
	CloseStatusLoginConflict           SessionCloseStatus = 513
	CloseStatusUnsupportedClientDevice SessionCloseStatus = 514

	// server-originated
	CloseStatusServerError       SessionCloseStatus = 600
	CloseStatusServerClosed      SessionCloseStatus = 601
	CloseStatusServerUnavailable SessionCloseStatus = 602
)

// CloseReason is the structured explanation attached to a session teardown.
// It is delivered to the client in the close frame and carried by peer
// notification RPCs.
type CloseReason struct {
	Status SessionCloseStatus
	Cause  string
}

var closeCauses = map[SessionCloseStatus]string{
	CloseStatusUnknownError:            "The session was closed for an unknown reason",
	CloseStatusIllegalRequest:          "The client sent an illegal request",
	CloseStatusHeartbeatTimeout:        "The session heartbeat timed out",
	CloseStatusDisconnectedByClient:    "The client closed the session",
	CloseStatusDuplicateLogin:          "Another device has logged into the account",
	CloseStatusKickedOutByOtherDevice:  "The session was closed by another device of the account",
	CloseStatusDisconnectedByAdmin:     "The session was closed by an administrator",
	CloseStatusLoginConflict:           "A conflicting login was declined by the session policy",
	CloseStatusUnsupportedClientDevice: "The client device type is not supported",
	CloseStatusServerError:             "Internal server error",
	CloseStatusServerClosed:            "The server is shutting down",
	CloseStatusServerUnavailable:       "The server is unavailable",
}

// NewCloseReason translates a close status into its CloseReason.
//
// The mapping is total: an unrecognized status falls back to
// CloseStatusUnknownError so the teardown path can never fail to produce a
// reason.
func NewCloseReason(status SessionCloseStatus) CloseReason {
	cause, ok := closeCauses[status]
	if !ok {
		return CloseReason{
			Status: CloseStatusUnknownError,
			Cause:  fmt.Sprintf("The session was closed with the unrecognized status code '%d'", status),
		}
	}

	return CloseReason{
		Status: status,
		Cause:  cause,
	}
}
