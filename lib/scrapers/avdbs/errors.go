package avdbs

import (
	"errors"
	"fmt"
)

// ErrLoginWall marks a response that came back as the site's login or
// adult-verification gate instead of the requested page. Callers use it
// to tell "session expired" apart from ordinary fetch failures.
var ErrLoginWall = errors.New("avdbs: response is a login wall")

// AuthError means the site rejected the credentials themselves. There
// is no point retrying a run that hits this.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("avdbs: authentication failed: %s", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ChallengeError means the browser-side verification gate could not be
// satisfied within the attempt budget. Distinct from AuthError because
// it signals an upstream detection change, not bad credentials.
type ChallengeError struct {
	Attempts int
	Err      error
}

func (e *ChallengeError) Error() string {
	return fmt.Sprintf("avdbs: verification challenge unsolved after %d attempts: %s", e.Attempts, e.Err)
}

func (e *ChallengeError) Unwrap() error { return e.Err }

// ScanError is a listing page that could not be fetched or parsed.
type ScanError struct {
	Board string
	Page  int
	Err   error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("avdbs: scan %s page %d: %s", e.Board, e.Page, e.Err)
}

func (e *ScanError) Unwrap() error { return e.Err }

// ExtractError is a single post whose detail page could not be fetched
// or parsed. It never poisons the rest of the batch.
type ExtractError struct {
	PostID string
	Err    error
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("avdbs: extract post %s: %s", e.PostID, e.Err)
}

func (e *ExtractError) Unwrap() error { return e.Err }
