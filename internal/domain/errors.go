package domain

import "errors"

// Sentinel errors for domain operations
var (
	// ErrLibraryNotFound indicates the requested library does not exist
	ErrLibraryNotFound = errors.New("library not found")

	// ErrServerOffline indicates the book server is unreachable
	ErrServerOffline = errors.New("book server is unreachable")

	// ErrAuthFailed indicates the book server rejected the credentials
	ErrAuthFailed = errors.New("authentication failed")

	// ErrUnknownSource indicates a library has no configured source
	ErrUnknownSource = errors.New("no source for library")

	// ErrInvalidCriteria indicates a malformed search criteria
	ErrInvalidCriteria = errors.New("invalid search criteria")

	// ErrInvalidPage indicates a negative page number
	ErrInvalidPage = errors.New("invalid page")

	// ErrViewNotFound indicates the merged view was closed or evicted
	ErrViewNotFound = errors.New("merged view not found")

	// ErrInconsistentResults indicates a source kept returning pages that
	// do not line up with each other
	ErrInconsistentResults = errors.New("inconsistent search results")
)
