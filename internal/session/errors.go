package session

import "errors"

var (
	// ErrUnknownFormat is returned for export formats other than json, csv, text and markdown.
	ErrUnknownFormat = errors.New("unknown export format")
	// ErrNothingToMerge is returned when fewer than two sessions are given to Merge.
	ErrNothingToMerge = errors.New("merge needs at least two sessions")
)
