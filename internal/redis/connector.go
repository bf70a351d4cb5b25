package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"

	redis "github.com/redis/go-redis/v9"

	"ocrgate/internal/config"
)

const defaultUsername = "default"

// candidate is one credential shape to try against the broker.
type candidate struct {
	opts *redis.Options
	// label is safe to log, it never contains the password.
	label string
}

// ladder is the ordered list of candidates plus the rule deciding whether a
// failure moves on to the next candidate or is returned right away.
type ladder struct {
	candidates []candidate
	advance    func(error) bool
}

// dialFunc opens and pings a client; replaced in tests to count attempts.
var dialFunc = dial

// NewRedisClient connects to the broker described by cfg, resolving ambiguous
// credentials by walking the candidate ladder.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	l, err := buildLadder(cfg)
	if err != nil {
		return nil, err
	}
	return l.connect(ctx)
}

func buildLadder(cfg config.RedisConfig) (*ladder, error) {
	if url := strings.TrimSpace(cfg.URL); url != "" {
		return urlLadder(url)
	}
	return fieldsLadder(cfg), nil
}

// urlLadder tries the URL as given, then (only on authentication failures and
// only if a password is present) without username and with username "default".
func urlLadder(url string) (*ladder, error) {
	base, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	l := &ladder{advance: func(err error) bool { return errors.Is(err, ErrAuth) }}
	l.add(base)
	if base.Password == "" {
		return l, nil
	}
	for _, user := range []string{"", defaultUsername} {
		variant := *base
		variant.Username = user
		l.add(&variant)
	}
	return l, nil
}

// fieldsLadder builds candidates from discrete fields. Both authentication and
// connectivity failures move on to the next candidate.
func fieldsLadder(cfg config.RedisConfig) *ladder {
	host := cfg.Host
	if host == "" {
		host = "redis"
	}
	port := cfg.Port
	if port == 0 {
		port = 6379
	}
	base := redis.Options{
		Addr: host + ":" + strconv.Itoa(port),
		DB:   cfg.DB,
	}
	if strings.EqualFold(cfg.Scheme, "rediss") {
		base.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host}
	}

	l := &ladder{advance: func(error) bool { return true }}
	if cfg.Password == "" {
		opts := base
		l.add(&opts)
		return l
	}
	users := []string{"", defaultUsername}
	if cfg.Username != "" {
		users = append([]string{cfg.Username}, users...)
	}
	for _, user := range users {
		opts := base
		opts.Username = user
		opts.Password = cfg.Password
		l.add(&opts)
	}
	return l
}

// add appends opts unless an identical credential shape is already queued.
func (l *ladder) add(opts *redis.Options) {
	label := describe(opts)
	for _, c := range l.candidates {
		if c.label == label {
			return
		}
	}
	l.candidates = append(l.candidates, candidate{opts: opts, label: label})
}

func (l *ladder) connect(ctx context.Context) (*Client, error) {
	var lastErr error
	for i, c := range l.candidates {
		client, err := dialFunc(ctx, c.opts)
		if err == nil {
			if i > 0 {
				log.Printf("redis connected with fallback credentials %s", c.label)
			}
			return client, nil
		}
		debugLog("redis attempt %s failed: %v", c.label, err)
		lastErr = err
		if !l.advance(err) {
			return nil, err
		}
	}
	if lastErr == nil {
		lastErr = &BrokerError{Kind: KindUnknown, Err: errors.New("no connection candidates")}
	}
	return nil, lastErr
}

func dial(ctx context.Context, opts *redis.Options) (*Client, error) {
	client := &Client{inner: redis.NewClient(opts)}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		var be *BrokerError
		if errors.As(err, &be) {
			be.Addr = opts.Addr
		}
		return nil, err
	}
	return client, nil
}

func describe(opts *redis.Options) string {
	user := opts.Username
	switch {
	case opts.Password == "":
		user = "<none>"
	case user == "":
		user = "<password-only>"
	}
	return fmt.Sprintf("%s/%d user=%s", opts.Addr, opts.DB, user)
}

// Connector hands out a shared client, connecting lazily so the process can
// start and report health while the broker is still down.
type Connector struct {
	cfg config.RedisConfig

	mu     sync.Mutex
	client *Client
}

func NewConnector(cfg config.RedisConfig) *Connector {
	return &Connector{cfg: cfg}
}

// Get returns the cached client or walks the ladder again.
func (c *Connector) Get(ctx context.Context) (*Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	client, err := NewRedisClient(ctx, c.cfg)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

// Ping checks the broker, dropping a cached client whose credentials stopped working.
func (c *Connector) Ping(ctx context.Context) error {
	client, err := c.Get(ctx)
	if err != nil {
		return err
	}
	if err := client.Ping(ctx); err != nil {
		if errors.Is(err, ErrAuth) {
			c.reset(client)
		}
		return err
	}
	return nil
}

func (c *Connector) reset(stale *Client) {
	c.mu.Lock()
	if c.client == stale {
		c.client = nil
	}
	c.mu.Unlock()
	_ = stale.Close()
}

// Close releases the cached client.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}
