package tableflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	lru "github.com/hashicorp/golang-lru"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// tableCacheSize bounds the per-connection table handle cache
const tableCacheSize = 64

// delegatedProviderName marks injected credentials as a proxy identity
// rather than a primary one
const delegatedProviderName = "TableflowDelegated"

// Connection is a live handle to the store, owned by exactly one
// partition task. It is opened by the task runner, never shared across
// partitions, and closed unconditionally when the task's scope exits.
// The pooled flavor additionally carries a bounded submission pool for
// the callback-bearing mutation path.
type Connection struct {
	session *session.Session
	db      dynamodbiface.DynamoDBAPI
	tables  *lru.Cache

	// pool is nil on the lightweight flavor
	pool    *semaphore.Weighted
	wg      sync.WaitGroup
	errOnce sync.Once
	poolErr error

	newTable func(name string) Table
	closed   bool
}

// openConnection opens a connection to the store described by snap,
// authenticating with the process's injected delegated identity when
// one is present. A nil snapshot is the deferred fault of a failed
// configuration resolution and is fatal here, at first use.
func openConnection(proc *processState, snap *Snapshot, poolSize int64) (*Connection, error) {
	if snap == nil {
		return nil, errors.New("no connection snapshot resolved for this process")
	}

	config := aws.NewConfig().
		WithRegion(snap.Region).
		WithMaxRetries(snap.MaxRetries).
		WithHTTPClient(&http.Client{
			Timeout: time.Duration(snap.HTTPTimeoutSec) * time.Second,
		})
	if snap.Endpoint != "" {
		config = config.WithEndpoint(snap.Endpoint)
	}

	proc.mu.Lock()
	if proc.delegated && proc.creds != nil {
		config = config.WithCredentials(credentials.NewStaticCredentialsFromCreds(credentials.Value{
			AccessKeyID:     proc.creds.AccessKeyID,
			SecretAccessKey: proc.creds.SecretAccessKey,
			SessionToken:    proc.creds.SessionToken,
			ProviderName:    delegatedProviderName,
		}))
	}
	proc.mu.Unlock()

	sess, err := session.NewSession(config)
	if err != nil {
		return nil, fmt.Errorf("unable to open store session: %w", err)
	}

	tables, err := lru.New(tableCacheSize)
	if err != nil {
		return nil, err
	}

	conn := &Connection{
		session: sess,
		db:      dynamodb.New(sess),
		tables:  tables,
	}
	if poolSize > 0 {
		conn.pool = semaphore.NewWeighted(poolSize)
	}

	return conn, nil
}

// Table returns a handle to the named table, cached per connection
func (c *Connection) Table(name string) (Table, error) {
	if c.closed {
		return nil, errors.New("connection is closed")
	}

	if cached, ok := c.tables.Get(name); ok {
		return cached.(Table), nil
	}

	var table Table
	if c.newTable != nil {
		table = c.newTable(name)
	} else {
		table = &dynamoTable{name: name, db: c.db}
	}
	c.tables.Add(name, table)
	return table, nil
}

// submitAsync hands one batch to the submission pool. The calling
// thread blocks only while the pool is saturated; the submission itself
// runs concurrently with the caller filling the next batch.
func (c *Connection) submitAsync(ctx context.Context, table Table, batch []*Mutation, callback ResultCallback) error {
	if c.pool == nil {
		return errors.New("connection has no submission pool; use the pooled scope for callback mutations")
	}

	if err := c.pool.Acquire(ctx, 1); err != nil {
		return err
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.pool.Release(1)
		if err := table.SubmitEach(ctx, batch, callback); err != nil {
			c.errOnce.Do(func() { c.poolErr = err })
		}
	}()
	return nil
}

// join waits for all in-flight pool submissions and reports the first
// submission failure. A no-op on the lightweight flavor.
func (c *Connection) join() error {
	if c.pool == nil {
		return nil
	}
	c.wg.Wait()
	return c.poolErr
}

// Close releases the connection. Close is idempotent; the scope
// guarantees it runs exactly once per open on every exit path.
func (c *Connection) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.tables.Purge()
	log.Debug("Closed store connection")
	return nil
}

// withConnectionScope runs fn with conn and guarantees the pool join
// and release on every exit path, including panics inside fn.
func withConnectionScope(conn *Connection, fn func(*Connection) error) (err error) {
	defer func() {
		joinErr := conn.join()
		closeErr := conn.Close()
		if err == nil {
			err = joinErr
		}
		if err == nil {
			err = closeErr
		}
	}()

	err = fn(conn)
	return err
}
