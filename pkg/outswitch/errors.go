package outswitch

import (
	"errors"
	"fmt"
)

var (
	// ErrResourceInit means the calling thread's COM apartment could not be established
	ErrResourceInit = errors.New("threading-model resource unavailable")

	// ErrEnumeration means the endpoint collection itself could not be queried
	ErrEnumeration = errors.New("enumerate audio endpoints")

	// ErrNoMatchFound means no enumerated endpoint satisfied the match criterion
	ErrNoMatchFound = errors.New("no matching audio device found")

	// ErrInvalidCriterion means the match criterion was empty or otherwise unusable
	ErrInvalidCriterion = errors.New("invalid match criterion")

	// ErrPolicyResolution means none of the policy config candidates could be instantiated
	ErrPolicyResolution = errors.New("resolve policy config interface")

	// ErrPolicyCommit means a policy config instance was obtained but refused the new default
	ErrPolicyCommit = errors.New("set default endpoint")

	// ErrPolicyTimeout means the policy commit did not return within the configured bound
	ErrPolicyTimeout = errors.New("set default endpoint timed out")

	// ErrProtocolDecode means a remote request could not be decoded
	ErrProtocolDecode = errors.New("decode remote request")
)

// codedError is satisfied by platform errors that carry a raw status code (e.g. *ole.OleError)
type codedError interface {
	Code() uintptr
}

// errorCode extracts a platform status code from err, formatted like an HRESULT.
// it returns an empty string when err carries no code
func errorCode(err error) string {
	var coded codedError
	if errors.As(err, &coded) {
		return fmt.Sprintf("0x%08X", uint32(coded.Code()))
	}

	return ""
}
