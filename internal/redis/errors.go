package redis

import (
	"context"
	"errors"
	"net"
	"strings"

	redis "github.com/redis/go-redis/v9"
)

// Kind separates credential problems from network problems.
type Kind string

const (
	KindAuth       Kind = "authentication"
	KindConnection Kind = "connection"
	KindUnknown    Kind = "unknown"
)

var (
	ErrAuth        = errors.New("redis authentication failed")
	ErrUnreachable = errors.New("redis unreachable")
)

// BrokerError is returned by Connect and Ping.
type BrokerError struct {
	Kind Kind
	Addr string
	Err  error
}

func (e *BrokerError) Error() string {
	if e.Addr != "" {
		return "redis " + string(e.Kind) + " error (" + e.Addr + "): " + e.Err.Error()
	}
	return "redis " + string(e.Kind) + " error: " + e.Err.Error()
}

func (e *BrokerError) Unwrap() error { return e.Err }

func (e *BrokerError) Is(target error) bool {
	switch target {
	case ErrAuth:
		return e.Kind == KindAuth
	case ErrUnreachable:
		return e.Kind == KindConnection
	}
	return false
}

// KindOf reports the classification of err, KindUnknown for foreign errors.
func KindOf(err error) Kind {
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindUnknown
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var be *BrokerError
	if errors.As(err, &be) {
		return err
	}
	kind := KindUnknown
	switch {
	case isAuthError(err):
		kind = KindAuth
	case isConnectionError(err):
		kind = KindConnection
	}
	return &BrokerError{Kind: kind, Err: err}
}

// isAuthError matches the server replies for rejected or missing credentials.
func isAuthError(err error) bool {
	var rerr redis.Error
	if !errors.As(err, &rerr) {
		return false
	}
	msg := rerr.Error()
	switch {
	case strings.HasPrefix(msg, "WRONGPASS"), strings.HasPrefix(msg, "NOAUTH"):
		return true
	case strings.Contains(msg, "invalid password"),
		strings.Contains(msg, "invalid username-password"),
		strings.Contains(msg, "without any password configured"),
		strings.Contains(msg, "no password is set"):
		return true
	case strings.Contains(msg, "wrong number of arguments for 'auth'"):
		// pre-ACL servers only take AUTH <password>
		return true
	}
	return false
}

func isConnectionError(err error) bool {
	var netErr net.Error
	var opErr *net.OpError
	switch {
	case errors.As(err, &opErr), errors.As(err, &netErr):
		return true
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, redis.ErrClosed):
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "i/o timeout") || strings.Contains(msg, "EOF")
}
