package memstore

import (
	"errors"
	"fmt"

	"github.com/MrEthical07/sessionguard/token"
)

var errDuplicate = fmt.Errorf("%w: %v", token.ErrStoreUnavailable, errors.New("duplicate token id or hash"))
