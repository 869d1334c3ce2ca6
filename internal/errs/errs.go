// Package errs defines the error taxonomy shared by the transition service, the
// action processor and the HTTP surface. Every error is a *goerrors.Error carrying
// a category and a text code; callers branch on the code, never on the message.
package errs

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	CodeValidation            = "VALIDATION"
	CodeNotFound              = "NOT_FOUND"
	CodeReopenForbidden       = "REOPEN_FORBIDDEN"
	CodeSystemStatusImmutable = "SYSTEM_STATUS_IMMUTABLE"
	CodeStatusNotAllowed      = "STATUS_NOT_ALLOWED"
	CodeDuplicateCode         = "DUPLICATE_CODE"
	CodePaymentsLocked        = "PAYMENTS_LOCKED"
	CodeOrderClosed           = "ORDER_CLOSED"
	CodeInvalidReference      = "INVALID_REFERENCE"
	CodeTransient             = "TRANSIENT_PROCESSING"
	CodeTerminal              = "TERMINAL_PROCESSING"
)

// CategoryLocked marks conflicts caused by a locked or closed order.
var CategoryLocked = goerrors.CategoryConflict.Extend("locked")

var (
	ErrValidation = goerrors.New("validation failed", goerrors.CategoryBadInput).
			WithTextCode(CodeValidation)
	ErrNotFound = goerrors.New("not found", goerrors.CategoryNotFound).
			WithTextCode(CodeNotFound)
	ErrReopenForbidden = goerrors.New("reopening a closed order requires the reopen capability", goerrors.CategoryAuthz).
				WithTextCode(CodeReopenForbidden)
	ErrSystemStatusImmutable = goerrors.New("system status cannot change code or group or be deleted", goerrors.CategoryAuthz).
					WithTextCode(CodeSystemStatusImmutable)
	ErrStatusNotAllowed = goerrors.New("status is not allowed for this order type", goerrors.CategoryConflict).
				WithTextCode(CodeStatusNotAllowed)
	ErrDuplicateCode = goerrors.New("status code already exists", goerrors.CategoryConflict).
				WithTextCode(CodeDuplicateCode)
	ErrPaymentsLocked = goerrors.New("payments are locked for this order", CategoryLocked).
				WithTextCode(CodePaymentsLocked)
	ErrOrderClosed = goerrors.New("order is already closed", CategoryLocked).
			WithTextCode(CodeOrderClosed)
	ErrInvalidReference = goerrors.New("unresolved template reference", goerrors.CategoryBadInput).
				WithTextCode(CodeInvalidReference)
	ErrTransient = goerrors.New("action processing failed", goerrors.CategoryOperation).
			WithTextCode(CodeTransient)
	ErrTerminal = goerrors.New("action processing attempts exhausted", goerrors.CategoryOperation).
			WithTextCode(CodeTerminal)
)

func clone(base *goerrors.Error, message string, source error, metadata map[string]any) *goerrors.Error {
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// Validation reports malformed input rejected before any mutation.
func Validation(field, message string) *goerrors.Error {
	return clone(ErrValidation, fmt.Sprintf("%s: %s", field, message), nil, map[string]any{"field": field})
}

// NotFound reports a missing entity.
func NotFound(entity, id string) *goerrors.Error {
	return clone(ErrNotFound, fmt.Sprintf("%s %q not found", entity, id), nil, map[string]any{"entity": entity, "id": id})
}

// ReopenForbidden reports an attempt to leave a closed group without the reopen capability.
func ReopenForbidden(orderID, current string) *goerrors.Error {
	return clone(ErrReopenForbidden, "", nil, map[string]any{"order_id": orderID, "status": current})
}

// SystemStatusImmutable reports an attempt to rewrite or delete a system status.
func SystemStatusImmutable(code string) *goerrors.Error {
	return clone(ErrSystemStatusImmutable, "", nil, map[string]any{"code": code})
}

// StatusNotAllowed reports a target status outside the order type's allow-list.
func StatusNotAllowed(typeID, code string) *goerrors.Error {
	return clone(ErrStatusNotAllowed, "", nil, map[string]any{"type_id": typeID, "status": code})
}

// DuplicateCode reports a status code collision.
func DuplicateCode(code string) *goerrors.Error {
	return clone(ErrDuplicateCode, "", nil, map[string]any{"code": code})
}

// PaymentsLocked reports a charge against an order whose payments are locked.
func PaymentsLocked(orderID string) *goerrors.Error {
	return clone(ErrPaymentsLocked, "", nil, map[string]any{"order_id": orderID})
}

// OrderClosed reports a charge against an order that was already closed successfully.
func OrderClosed(orderID string) *goerrors.Error {
	return clone(ErrOrderClosed, "", nil, map[string]any{"order_id": orderID})
}

// InvalidReference reports a notify/print template that could not be resolved.
func InvalidReference(kind, ref string) *goerrors.Error {
	return clone(ErrInvalidReference, fmt.Sprintf("%s template %q not found", kind, ref), nil, map[string]any{"kind": kind, "ref": ref})
}

// Transient wraps an action failure the queue should retry.
func Transient(action string, source error) error {
	if source == nil {
		return nil
	}
	if Code(source) != "" {
		return source
	}
	return clone(ErrTransient, fmt.Sprintf("%s failed", action), source, map[string]any{"action": action})
}

// Terminal marks a job whose attempts are exhausted.
func Terminal(jobID string, attempts int, source error) *goerrors.Error {
	return clone(ErrTerminal, "", source, map[string]any{"job_id": jobID, "attempts": attempts})
}

// Code returns the text code of the outermost taxonomy error in the chain.
func Code(err error) string {
	var ge *goerrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// Is reports whether any taxonomy error in the chain carries the text code.
func Is(err error, code string) bool {
	for err != nil {
		var ge *goerrors.Error
		if !stderrors.As(err, &ge) {
			return false
		}
		if ge.TextCode == code {
			return true
		}
		err = ge.Source
	}
	return false
}

// HTTPStatus maps an error to the response status used by the API.
func HTTPStatus(err error) int {
	var ge *goerrors.Error
	if !stderrors.As(err, &ge) {
		return http.StatusInternalServerError
	}
	switch ge.Category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case CategoryLocked:
		return http.StatusLocked
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}
