package transcode

import "errors"

var (
	// ErrInvalidFile is returned when the file to transcode no longer exists
	// (even after any leftover backup has been restored). It is not recorded
	// in the catalog, as the file may simply have been moved.
	ErrInvalidFile = errors.New("file does not exist")

	// ErrUnsupportedStream is returned for files containing streams which cannot
	// be carried over to the output (such as attached cover art).
	ErrUnsupportedStream = errors.New("file contains an unsupported stream")

	ErrOutputValidationFailed = errors.New("transcoded output failed validation")
	ErrOutputExists           = errors.New("output path is already occupied by another file")
	ErrInsufficientSpace      = errors.New("insufficient free space to transcode")

	// ErrCancelled is returned when a transcode is interrupted. The original
	// file is restored before this error is returned.
	ErrCancelled = errors.New("transcode cancelled")
)
