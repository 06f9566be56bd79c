package storage

import (
	"errors"
	"fmt"

	"github.com/aws/smithy-go"

	"github.com/ccomkhj/datumaro-gui/internal/errhandling"
)

type httpStatusError interface {
	HTTPStatusCode() int
}

// classify maps an SDK error to a ClassifiedError. API error codes take
// precedence over the HTTP status; errors without either are treated as
// network failures.
func classify(op, target string, err error) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf("%s %s", op, target)

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InvalidAccessKeyId", "SignatureDoesNotMatch", "AccessDenied", "ExpiredToken",
			"InvalidToken", "AllAccessDisabled", "AccountProblem":
			return errhandling.NewAuthenticationError(statusOf(err), msg, err)
		case "NoSuchBucket", "NoSuchKey", "NotFound":
			return errhandling.NewNotFoundError(msg, err)
		}
	}

	if status := statusOf(err); status > 0 {
		c := errhandling.ClassifyHTTPStatus(status, msg)
		c.OriginalErr = err
		return c
	}

	classified := errhandling.ClassifyError(err)
	if classified.Category == errhandling.CategoryUnknown {
		return errhandling.NewNetworkError(msg, err)
	}
	return classified
}

func statusOf(err error) int {
	var se httpStatusError
	if errors.As(err, &se) {
		return se.HTTPStatusCode()
	}
	return 0
}
