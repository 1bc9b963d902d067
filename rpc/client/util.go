package client

import (
	"errors"
	"strconv"

	"github.com/ValentinKolb/slicerpc/lib/util"
	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	Logger = logger.GetLogger(common.LogRetry)
)

// ErrNoEndpoints is returned when a proxy has neither endpoints nor a
// collocated servant
var ErrNoEndpoints = errors.New("proxy has no endpoints")

// errInvocationTimeout is the cause of contexts canceled by a proxy's
// invocation timeout
var errInvocationTimeout = errors.New("invocation timeout")

// handlerKey hashes the parameters that select a connection, proxies with the
// same key share one ConnectRequestHandler
func handlerKey(seed uint64, endpoints []common.Endpoint, preferExisting bool) uint64 {
	parts := make([]string, 0, len(endpoints)+1)
	parts = append(parts, strconv.FormatBool(preferExisting))
	for _, ep := range endpoints {
		parts = append(parts, ep.String())
	}
	return util.HashStrings(seed, parts...)
}
