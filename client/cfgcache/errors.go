package cfgcache

import (
	"errors"

	"github.com/dconfd/dconfd/common/cfgapi"
)

func isNotFound(err error) bool {
	return errors.Is(err, cfgapi.ErrPropertyNotFound)
}

func isChannelNotFound(err error) bool {
	return errors.Is(err, cfgapi.ErrChannelNotFound)
}
