package domain

import "errors"

// Failure classes shared by every component. Wrap them with fmt.Errorf("%w")
// and test with errors.Is.
var (
	// ErrNetworkUnavailable means the remote data service could not be reached
	// or timed out. Retried at the next poll.
	ErrNetworkUnavailable = errors.New("remote data service unavailable")

	// ErrDataUnavailable means the requested run is not published yet.
	ErrDataUnavailable = errors.New("data not available")

	// ErrUnknownShape means a fetched array is neither (time, lat, lon) nor
	// (time, lev, lat, lon).
	ErrUnknownShape = errors.New("unknown data shape")

	// ErrDuplicateConflict means the fast bulk path hit an existing
	// (forecast, grid point) key.
	ErrDuplicateConflict = errors.New("duplicate forecast data")

	// ErrMissingDependency means a calculated field could not find every
	// dependent field.
	ErrMissingDependency = errors.New("missing dependency")

	// ErrConfiguration means a malformed selection, job file or formula.
	ErrConfiguration = errors.New("configuration error")

	// ErrStorageUnavailable means a connection or transaction failure.
	ErrStorageUnavailable = errors.New("storage unavailable")
)
