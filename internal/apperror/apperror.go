// Package apperror classifies engine failures and maps validation errors.
package apperror

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Kind buckets every failure the engine can surface.
type Kind string

const (
	KindGeofence   Kind = "geofence_error"
	KindDatabase   Kind = "database_error"
	KindNetwork    Kind = "network_error"
	KindSync       Kind = "sync_error"
	KindValidation Kind = "validation_error"
	// KindPingPong is a quality signal, not a failure.
	KindPingPong Kind = "pingpong_warning"
)

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from an error chain, defaulting to database_error
// for unclassified store failures.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindDatabase
}

// IsValidation reports whether the error chain contains a validation failure.
func IsValidation(err error) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Kind == KindValidation
}

var (
	errRequired        = errors.New("is required")
	errInvalidDateTime = errors.New("must be a valid datetime in RFC3339 format")
	errExitBeforeEntry = errors.New("exit must not be before entry")
	errMustBePositive  = errors.New("must be a positive number")
)

var customErrors = map[string]error{
	"EditRequest.Reason.required":         errRequired,
	"EditRequest.EntryAt.datetime":        errInvalidDateTime,
	"EditRequest.ExitAt.datetime":         errInvalidDateTime,
	"EditRequest.ExitAt.gtefield":         errExitBeforeEntry,
	"EditRequest.PauseMinutes.gte":        errMustBePositive,
	"ManualRequest.LocationID.required":   errRequired,
	"ManualRequest.EntryAt.required":      errRequired,
	"ManualRequest.ExitAt.gtefield":       errExitBeforeEntry,
	"ManualRequest.PauseMinutes.gte":      errMustBePositive,
	"CreateLocation.Name.required":        errRequired,
	"CreateLocation.RadiusM.gt":           errMustBePositive,
	"GeofenceEvent.RegionID.required":     errRequired,
	"GeofenceEvent.Kind.oneof":            errors.New("must be enter or exit"),
	"GeofenceEvent.AccuracyM.gte":         errMustBePositive,
	"GeofenceEvent.DistanceM.gte":         errMustBePositive,
	"HeartbeatRequest.BatteryPercent.gte": errMustBePositive,
}

// CustomValidationError converts validator errors into a standardized format.
func CustomValidationError(err error) []map[string]string {
	errList := make([]map[string]string, 0)

	var validationErr validator.ValidationErrors
	if errors.As(err, &validationErr) {
		for _, e := range validationErr {
			field := e.StructNamespace()
			key := field + "." + e.Tag()

			errMsg := fmt.Sprintf("%s is invalid", field)
			if v, ok := customErrors[key]; ok {
				errMsg = v.Error()
			}

			errList = append(errList, map[string]string{e.Field(): errMsg})
		}
	}
	return errList
}
