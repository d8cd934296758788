// Package errors defines S3-compatible error types used throughout LiteBucket.
package errors

import "fmt"

// S3Error represents an S3 API error with a machine-readable code,
// human-readable message, and HTTP status code.
type S3Error struct {
	// Code is the S3 error code (e.g., "NoSuchBucket", "NoSuchKey").
	Code string
	// Message is a human-readable description of the error.
	Message string
	// HTTPStatus is the HTTP status code to return (e.g., 404, 503).
	HTTPStatus int
}

// Error implements the error interface for S3Error.
func (e *S3Error) Error() string {
	return fmt.Sprintf("S3Error %s (%d): %s", e.Code, e.HTTPStatus, e.Message)
}

// Pre-defined S3 errors for common conditions.
var (
	// ErrInvalidBucketName is returned when the bucket name cannot be
	// sanitized into a valid S3 bucket name.
	ErrInvalidBucketName = &S3Error{
		Code:       "InvalidBucketName",
		Message:    "The specified bucket is not valid",
		HTTPStatus: 400,
	}

	// ErrNoSuchBucket is returned when the bucket is not in the configured set.
	ErrNoSuchBucket = &S3Error{
		Code:       "NoSuchBucket",
		Message:    "The specified bucket does not exist",
		HTTPStatus: 404,
	}

	// ErrNoSuchKey is returned when the specified object key does not exist,
	// or its latest version is a delete marker.
	ErrNoSuchKey = &S3Error{
		Code:       "NoSuchKey",
		Message:    "The specified key does not exist",
		HTTPStatus: 404,
	}

	// ErrNoSuchVersion is returned when the requested version id does not
	// exist for the specified key.
	ErrNoSuchVersion = &S3Error{
		Code:       "NoSuchVersion",
		Message:    "The specified version does not exist",
		HTTPStatus: 404,
	}

	// ErrIllegalVersioningConfiguration is returned for versioning state
	// transitions that S3 disallows, such as returning to unversioned after
	// versioning has ever been enabled.
	ErrIllegalVersioningConfiguration = &S3Error{
		Code:       "IllegalVersioningConfigurationException",
		Message:    "The versioning configuration specified in the request is invalid",
		HTTPStatus: 400,
	}

	// ErrEntityTooLarge is returned when the uploaded object exceeds the
	// configured maximum object size.
	ErrEntityTooLarge = &S3Error{
		Code:       "EntityTooLarge",
		Message:    "Your proposed upload exceeds the maximum allowed object size",
		HTTPStatus: 400,
	}

	// ErrInvalidArgument is returned when an argument value is invalid
	// (malformed continuation token, bad max-keys, missing key).
	ErrInvalidArgument = &S3Error{
		Code:       "InvalidArgument",
		Message:    "Invalid Argument",
		HTTPStatus: 400,
	}

	// ErrMethodNotAllowed is returned when the HTTP method is not supported
	// against the addressed resource, including GETs addressed at a delete
	// marker's version id.
	ErrMethodNotAllowed = &S3Error{
		Code:       "MethodNotAllowed",
		Message:    "The specified method is not allowed against this resource",
		HTTPStatus: 405,
	}

	// ErrMalformedXML is returned when a request body contains invalid XML.
	ErrMalformedXML = &S3Error{
		Code:       "MalformedXML",
		Message:    "The XML you provided was not well-formed or did not validate",
		HTTPStatus: 400,
	}

	// ErrServiceUnavailable is returned when the worker pool or database
	// connection pool cannot be acquired within the configured wait.
	ErrServiceUnavailable = &S3Error{
		Code:       "ServiceUnavailable",
		Message:    "Service is not available. Please retry.",
		HTTPStatus: 503,
	}

	// ErrInternalError is returned for unexpected internal failures,
	// including database errors and latest-version invariant violations.
	ErrInternalError = &S3Error{
		Code:       "InternalError",
		Message:    "We encountered an internal error. Please try again.",
		HTTPStatus: 500,
	}

	// ErrNotImplemented is returned for S3 features this server does not claim.
	ErrNotImplemented = &S3Error{
		Code:       "NotImplemented",
		Message:    "A header you provided implies functionality that is not implemented",
		HTTPStatus: 501,
	}

	// ErrKeyTooLongError is returned when the object key exceeds the maximum length.
	ErrKeyTooLongError = &S3Error{
		Code:       "KeyTooLongError",
		Message:    "Your key is too long",
		HTTPStatus: 400,
	}
)
