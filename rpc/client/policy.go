package client

import (
	"errors"
	"time"

	"github.com/ValentinKolb/slicerpc/rpc/common"
	"github.com/ValentinKolb/slicerpc/rpc/protocol"
)

// RetryDelay decides whether a failed attempt of req is retried and returns
// the delay before the next attempt. attempt counts the retries already made.
//
// A failure is retried when its error carries a retryable policy and the
// request is idempotent, was not fully sent, or was refused by a peer that
// closed the connection gracefully before dispatching it. The number of
// retries is bounded by the length of config.RetryIntervals.
func RetryDelay(config common.Config, req *protocol.OutgoingRequest, err error, attempt int) (time.Duration, bool) {
	var canceled *common.CancellationError
	if errors.As(err, &canceled) || errors.Is(err, common.ErrCommunicatorDestroyed) {
		return 0, false
	}
	if attempt >= config.MaxRetries() {
		return 0, false
	}

	policy := common.RetryPolicyOf(err)
	if !policy.Retryable {
		return 0, false
	}
	if !req.Idempotent && req.IsSent() && !closedByPeer(err) {
		return 0, false
	}
	return max(policy.Delay, config.RetryIntervals[attempt]), true
}

// closedByPeer reports whether err is a graceful close initiated by the peer.
// The peer did not dispatch requests it refuses this way.
func closedByPeer(err error) bool {
	var closed *common.ConnectionClosedError
	return errors.As(err, &closed) && closed.Graceful && closed.ByPeer
}
