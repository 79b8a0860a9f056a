// Package repoerr defines the save path's error kinds, classified by what
// happened rather than by which package raised it, per the repository's
// error handling design: InputError, StorageTransient, StorageFatal,
// Corruption, AuthFailure, and RefConflict. Every constructor records the
// offending path or object ID so it survives up to the CLI boundary.
package repoerr

import "fmt"

// Kind identifies one of the error classes the save path distinguishes.
type Kind string

const (
	KindInput             Kind = "input"
	KindStorageTransient  Kind = "storage_transient"
	KindStorageFatal      Kind = "storage_fatal"
	KindCorruption        Kind = "corruption"
	KindAuthFailure       Kind = "auth_failure"
	KindRefConflict       Kind = "ref_conflict"
)

// Error wraps an underlying cause with a Kind and the path/ID it concerns.
type Error struct {
	Kind    Kind
	Subject string // path or object/pack ID, when applicable
	Err     error
}

func (e *Error) Error() string {
	if e.Subject == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s(%s): %v", e.Kind, e.Subject, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, subject string, err error) *Error {
	return &Error{Kind: kind, Subject: subject, Err: err}
}

func Input(subject string, err error) *Error            { return newErr(KindInput, subject, err) }
func StorageTransient(subject string, err error) *Error { return newErr(KindStorageTransient, subject, err) }
func StorageFatal(subject string, err error) *Error      { return newErr(KindStorageFatal, subject, err) }
func Corruption(subject string, err error) *Error        { return newErr(KindCorruption, subject, err) }
func AuthFailure(subject string, err error) *Error       { return newErr(KindAuthFailure, subject, err) }
func RefConflict(subject string, err error) *Error       { return newErr(KindRefConflict, subject, err) }

// Is supports errors.Is(err, repoerr.KindX) style checks via a thin
// sentinel wrapper, since Kind itself is a plain string type.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel returns a comparable placeholder of the given kind for use with
// errors.Is(err, repoerr.Sentinel(repoerr.KindCorruption)).
func Sentinel(kind Kind) *Error {
	return &Error{Kind: kind}
}
