package storage

import "errors"

// Policy and placement errors.  The first four are caller mistakes and map
// to 400; ErrRelocation and ErrStaging are internal failures.
var (
	ErrFileTooLarge        = errors.New("file too large")
	ErrUnsupportedFileType = errors.New("file type not allowed")
	ErrInvalidCategory     = errors.New("invalid category")
	ErrInvalidFileName     = errors.New("invalid file name")
	ErrRelocation          = errors.New("relocation failed")
	ErrStaging             = errors.New("staging failed")
)
