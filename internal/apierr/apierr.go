// Package apierr defines the stable error-kind taxonomy shared by the
// pairing and control HTTP surfaces, generalizing the teacher's single
// integer IPCError code (device/uapi.go) to the string kind enum the
// control plane's JSON error body and PAIR_REJECTED.reason both key off of.
package apierr

import "net/http"

type Kind string

const (
	ClientCertificateRequired Kind = "client_certificate_required"
	CertificateNotTrusted     Kind = "certificate_not_trusted"
	Unauthenticated           Kind = "unauthenticated"
	Untrusted                 Kind = "untrusted"
	InvalidFCMToken           Kind = "invalid_fcm_token"
	InvalidPlatform           Kind = "invalid_platform"
	DeviceIDForbidden         Kind = "device_id_forbidden"
	UnknownFields             Kind = "unknown_fields"
	MissingIdentifier         Kind = "missing_identifier"
	FingerprintMismatch       Kind = "fingerprint_mismatch"
	PairSessionExpired        Kind = "pair_session_expired"
	PairSessionLocked         Kind = "pair_session_locked"
	PairInvalidPIN            Kind = "pair_invalid_pin"
	PairTranscriptMismatch    Kind = "pair_transcript_mismatch"
	PairUserRejected          Kind = "pair_user_rejected"
	PairNoSession             Kind = "pair_no_session"
	PayloadTooLarge           Kind = "payload_too_large"
	RateLimited               Kind = "rate_limited"
	NotFound                  Kind = "not_found"
	Internal                  Kind = "internal"
)

// Error is a Kind-tagged error. HTTP handlers translate it directly to the
// JSON body {error: kind, message?: message}; pairing handlers translate it
// to a PAIR_REJECTED.reason.
type Error struct {
	kind    Kind
	message string
	cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{kind: kind, message: message}
}

func Wrap(kind Kind, cause error) *Error {
	return &Error{kind: kind, cause: cause}
}

func (e *Error) Kind() Kind { return e.kind }

func (e *Error) Error() string {
	if e.message != "" {
		return string(e.kind) + ": " + e.message
	}
	if e.cause != nil {
		return string(e.kind) + ": " + e.cause.Error()
	}
	return string(e.kind)
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Message() string { return e.message }

// HTTPStatus maps a Kind to the status code the spec assigns it.
func HTTPStatus(kind Kind) int {
	switch kind {
	case ClientCertificateRequired, Unauthenticated:
		return http.StatusUnauthorized
	case CertificateNotTrusted, Untrusted:
		return http.StatusForbidden
	case InvalidFCMToken, InvalidPlatform, DeviceIDForbidden, UnknownFields,
		MissingIdentifier:
		return http.StatusBadRequest
	case PayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case RateLimited:
		return http.StatusTooManyRequests
	case NotFound:
		return http.StatusNotFound
	case FingerprintMismatch, PairSessionExpired, PairSessionLocked,
		PairInvalidPIN, PairTranscriptMismatch, PairUserRejected, PairNoSession:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// As reports whether err is an *Error and, if so, returns it.
func As(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}
