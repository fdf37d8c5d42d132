package lifecycle

import (
	"errors"

	"canteen/internal/canteenapi"
)

// UserMessage maps an operation error to a short line for the user.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInFlight):
		return "Please wait, the previous request is still running."
	case errors.Is(err, ErrInvalidDuration):
		return "Choose a duration of 10 or 15 minutes."
	case errors.Is(err, ErrInvalidState):
		return "This reservation can no longer be changed."
	case errors.Is(err, canteenapi.ErrUnauthorized):
		return "Please log in to continue."
	case errors.Is(err, canteenapi.ErrReservationConflict):
		return "This table was just taken. Please pick another one."
	case errors.Is(err, canteenapi.ErrNotFound):
		return "The table or reservation no longer exists."
	case errors.Is(err, canteenapi.ErrNetworkFailure):
		if msg := canteenapi.ServerMessage(err); msg != "" {
			return msg
		}
		return "Network problem. Please try again."
	default:
		return "Something went wrong."
	}
}
