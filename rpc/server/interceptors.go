package server

import (
	"context"
	"time"

	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/ValentinKolb/slicerpc/rpc/protocol"
	"github.com/sirupsen/logrus"
)

// LoggingInterceptor logs every dispatch with its outcome and duration as a
// structured logrus entry
func LoggingInterceptor(log *logrus.Logger) Interceptor {
	return func(next protocol.Dispatcher) protocol.Dispatcher {
		return protocol.DispatcherFunc(func(ctx context.Context, req *protocol.IncomingRequest) (*protocol.OutgoingResponse, error) {
			start := time.Now()
			resp, err := next.Dispatch(ctx, req)

			status := common.ReplyOk
			switch {
			case err != nil:
				status = protocol.NewResponseFromError(req.Encoding, err).Status
			case resp != nil:
				status = resp.Status
			}

			entry := log.WithFields(logrus.Fields{
				"adapter":    req.Adapter,
				"identity":   req.Identity.String(),
				"operation":  req.Operation,
				"status":     status.String(),
				"duration":   time.Since(start).String(),
				"connection": req.Connection,
			})
			if req.Facet != "" {
				entry = entry.WithField("facet", req.Facet)
			}
			if status == common.ReplyOk {
				entry.Debug("dispatch")
			} else {
				entry.Info("dispatch failed")
			}
			return resp, err
		})
	}
}

// ContextInterceptor copies the request context entries named by keys into
// the dispatch context, where handlers read them with ContextValue
func ContextInterceptor(keys ...string) Interceptor {
	return func(next protocol.Dispatcher) protocol.Dispatcher {
		return protocol.DispatcherFunc(func(ctx context.Context, req *protocol.IncomingRequest) (*protocol.OutgoingResponse, error) {
			for _, k := range keys {
				if v, ok := req.Context[k]; ok {
					ctx = context.WithValue(ctx, contextKey(k), v)
				}
			}
			return next.Dispatch(ctx, req)
		})
	}
}

type contextKey string

// ContextValue returns a request context entry added by ContextInterceptor
func ContextValue(ctx context.Context, key string) (string, bool) {
	v, ok := ctx.Value(contextKey(key)).(string)
	return v, ok
}
