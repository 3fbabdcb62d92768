// Package redis adapts a Redis client to the pooled resource contract.
// Reads execute immediately; writes queue on a MULTI/EXEC pipeline so all of
// a transaction's writes land atomically at commit. Rollback discards the
// queue; Redis offers nothing stronger and the transaction model asks for
// nothing stronger.
package redis

import (
	"context"
	"fmt"
	"strings"

	goredis "github.com/go-redis/redis/v8"

	"github.com/roosthq/roost/internal/config"
	"github.com/roosthq/roost/internal/resource"
	"github.com/roosthq/roost/internal/transaction"
)

var readCommands = map[string]struct{}{
	"get": {}, "mget": {}, "exists": {}, "ttl": {}, "type": {},
	"hget": {}, "hgetall": {}, "hmget": {}, "lrange": {}, "llen": {},
	"smembers": {}, "sismember": {}, "scard": {}, "zrange": {}, "zscore": {},
}

// Client is one pooled Redis connection.
type Client struct {
	*resource.Instance
	opts *goredis.Options
	rdb  *goredis.Client
	pipe goredis.Pipeliner
}

// Factory builds unconnected clients from a resource config with "address"
// and optional "password" / "db" parameters.
func Factory(poolName string, seq uint64, cfg *config.Resource) (resource.Resource, error) {
	addr, _ := cfg.Params["address"].(string)
	if addr == "" {
		return nil, fmt.Errorf("redis: resource %s: missing address", cfg.Name)
	}
	opts := &goredis.Options{Addr: addr}
	if pw, ok := cfg.Params["password"].(string); ok {
		opts.Password = pw
	}
	if db, ok := cfg.Params["db"].(int); ok {
		opts.DB = db
	}
	return &Client{Instance: resource.NewInstance(poolName, seq, cfg.Pool), opts: opts}, nil
}

func (c *Client) Connect(ctx context.Context) error {
	rdb := goredis.NewClient(c.opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("redis %s: connect: %w", c.Name(), err)
	}
	c.rdb = rdb
	return nil
}

func (c *Client) Disconnect() {
	if c.rdb != nil {
		_ = c.rdb.Close()
		c.rdb = nil
	}
}

func (c *Client) BeginTransaction(ctx context.Context, xa resource.Transaction) error {
	c.pipe = c.rdb.TxPipeline()
	c.SetTransaction(xa)
	return nil
}

func (c *Client) Commit() error {
	defer c.ClearTransaction()
	if c.pipe == nil {
		return nil
	}
	pipe := c.pipe
	c.pipe = nil
	if _, err := pipe.Exec(context.Background()); err != nil && err != goredis.Nil {
		return redisErr(err, "commit")
	}
	return nil
}

func (c *Client) Rollback() error {
	defer c.ClearTransaction()
	if c.pipe != nil {
		c.pipe.Discard()
		c.pipe = nil
	}
	return nil
}

// Call runs one Redis command: the command name is the attribute, args are
// its arguments. Reads run immediately and return the reply; writes queue on
// the transaction pipeline and return nil.
func (c *Client) Call(ctx context.Context, attrs []string, args []any, kwargs map[string]any) (any, error) {
	if c.pipe == nil {
		return nil, transaction.NewResourceError("redis: call outside transaction", true, false)
	}
	command := strings.ToLower(attrs[0])
	full := append([]any{command}, args...)

	if _, read := readCommands[command]; read {
		v, err := c.rdb.Do(ctx, full...).Result()
		if err == goredis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, redisErr(err, command)
		}
		return v, nil
	}

	c.pipe.Do(ctx, full...)
	return nil, nil
}

// redisErr wraps a client error; Redis command errors do not break the
// connection, network errors do.
func redisErr(err error, op string) error {
	terminal := true
	if _, ok := err.(goredis.Error); ok {
		terminal = false
	}
	return &transaction.ResourceError{
		Msg:              "redis " + op + " failed",
		Recoverable:      false,
		Terminal:         terminal,
		ParticipantIndex: -1,
		Err:              err,
	}
}
