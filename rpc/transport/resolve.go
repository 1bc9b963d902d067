package transport

import (
	"context"
	"math/rand"
	"net"
	"strconv"

	"github.com/ValentinKolb/slicerpc/rpc/common"
)

// ResolveConnectors turns an endpoint into connectable addresses. Host names of
// IP transports are resolved to one connector per address; unix and coloc
// endpoints yield a single connector.
func ResolveConnectors(ctx context.Context, ep common.Endpoint) ([]common.Connector, error) {
	switch ep.Transport {
	case "unix", "coloc":
		return []common.Connector{common.NewConnector(ep, ep.Address())}, nil
	}

	if ip := net.ParseIP(ep.Host); ip != nil {
		return []common.Connector{common.NewConnector(ep, ep.Address())}, nil
	}

	addrs, err := net.DefaultResolver.LookupHost(ctx, ep.Host)
	if err != nil {
		return nil, common.NewTransportError(common.ConnectFailed, err)
	}
	port := strconv.Itoa(int(ep.Port))
	connectors := make([]common.Connector, 0, len(addrs))
	for _, addr := range addrs {
		connectors = append(connectors, common.NewConnector(ep, net.JoinHostPort(addr, port)))
	}
	return connectors, nil
}

// OrderEndpoints returns the endpoints in the order they should be tried
func OrderEndpoints(endpoints []common.Endpoint, selection common.EndpointSelectionType) []common.Endpoint {
	ordered := append([]common.Endpoint(nil), endpoints...)
	if selection == common.EndpointSelectionRandom {
		rand.Shuffle(len(ordered), func(i, j int) { ordered[i], ordered[j] = ordered[j], ordered[i] })
	}
	return ordered
}
