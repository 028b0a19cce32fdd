package types

import "errors"

var (
	// ErrVideoUnavailable means the session could not play the video.
	ErrVideoUnavailable = errors.New("video unavailable")

	// ErrInsufficientCandidates means a sampled query asked for more videos
	// than qualify.
	ErrInsufficientCandidates = errors.New("insufficient candidates")

	// ErrNoViableNextVideo means no recommendation carried a known slant.
	ErrNoViableNextVideo = errors.New("no viable next video")

	// ErrNotFound means the video id is not in the store.
	ErrNotFound = errors.New("video not found")
)
