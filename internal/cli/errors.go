package cli

import (
	"context"
	"errors"

	"github.com/roach88/rfusync/internal/api"
	"github.com/roach88/rfusync/internal/dxfimport"
	"github.com/roach88/rfusync/internal/editscript"
	"github.com/roach88/rfusync/internal/session"
	"github.com/roach88/rfusync/internal/txn"
)

var errNotLoggedIn = errors.New("not logged in, run 'rfusync login' first")

// fail prints err under code and returns the matching ExitError.
func (a *app) fail(exit int, code string, err error) error {
	return a.failWith(exit, code, err, nil)
}

func (a *app) failWith(exit int, code string, err error, details any) error {
	if a.out != nil {
		_ = a.out.Error(code, err.Error(), details)
	}
	return WrapExitError(exit, code, err)
}

// report classifies err and prints it.
func (a *app) report(err error) error {
	exit, code, details := classify(err)
	return a.failWith(exit, code, err, details)
}

func classify(err error) (exit int, code string, details any) {
	if v, ok := session.IsValidationError(err); ok {
		return ExitCommandError, v.Code, nil
	}

	var rejected *api.RemoteRejected
	if errors.As(err, &rejected) {
		return ExitFailure, "REMOTE_REJECTED", rejected.Messages
	}

	var multiple *session.MultipleMatchesError
	if errors.As(err, &multiple) {
		return ExitFailure, "AMBIGUOUS_DOSSIER", multiple.Matches
	}

	var step *editscript.StepError
	if errors.As(err, &step) {
		return ExitFailure, "EDIT_FAILED", map[string]any{"edit": step.Index + 1, "op": step.Op}
	}

	switch {
	case errors.Is(err, editscript.ErrInvalidScript):
		return ExitCommandError, "INVALID_SCRIPT", nil
	case errors.Is(err, dxfimport.ErrNoLayer):
		return ExitCommandError, "NO_LAYER", nil
	case errors.Is(err, session.ErrUploadCancelled):
		return ExitFailure, "UPLOAD_CANCELLED", nil
	case errors.Is(err, session.ErrExtractionDenied):
		return ExitFailure, "EXTRACTION_DENIED", nil
	case errors.Is(err, txn.ErrProtocolInconsistency):
		return ExitFailure, "PROTOCOL_ERROR", nil
	case errors.Is(err, api.ErrCannotCancel):
		return ExitFailure, "CANNOT_CANCEL", nil
	case errors.Is(err, context.DeadlineExceeded):
		return ExitFailure, "TIMEOUT", nil
	}
	return ExitFailure, "FAILED", nil
}
