package sessionguard

import (
	"errors"

	"github.com/MrEthical07/sessionguard/anomaly"
	"github.com/MrEthical07/sessionguard/kv"
	"github.com/MrEthical07/sessionguard/ratelimit"
	"github.com/MrEthical07/sessionguard/rotation"
	"github.com/MrEthical07/sessionguard/token"
)

// Component errors, re-exported so callers can match on a single import.
var (
	ErrInvalidToken       = rotation.ErrInvalidToken
	ErrTokenExpired       = rotation.ErrTokenExpired
	ErrTokenReplay        = rotation.ErrTokenReplay
	ErrDeviceMismatch     = rotation.ErrDeviceMismatch
	ErrMissingFingerprint = rotation.ErrMissingFingerprint
	ErrRateLimitExceeded  = ratelimit.ErrRateLimitExceeded
	ErrBlocked            = anomaly.ErrBlocked
	ErrChallengeRequired  = anomaly.ErrChallengeRequired
	ErrStoreUnavailable   = token.ErrStoreUnavailable
	ErrCounterUnavailable = kv.ErrUnavailable
)

var (
	// ErrBuilderUsed is returned by a second call to Build.
	ErrBuilderUsed = errors.New("builder already used")
	// ErrMissingTokenStore is returned by Build without WithTokenStore.
	ErrMissingTokenStore = errors.New("token store required")
	// ErrMissingCounterStore is returned by Build when neither a kv store, a
	// redis client nor a redis address is available.
	ErrMissingCounterStore = errors.New("counter store required")
	// ErrInvalidConfig wraps every Validate failure.
	ErrInvalidConfig = errors.New("invalid sessionguard config")
)
