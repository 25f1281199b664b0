package tableflow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionScopeClosesOnSuccess(t *testing.T) {
	conn := newTestConnection(&fakeTable{}, 0)

	err := withConnectionScope(conn, func(*Connection) error { return nil })
	require.NoError(t, err)
	assert.True(t, conn.closed)
}

func TestConnectionScopeClosesOnError(t *testing.T) {
	conn := newTestConnection(&fakeTable{}, 0)
	taskErr := errors.New("partition failed")

	err := withConnectionScope(conn, func(*Connection) error { return taskErr })
	assert.Equal(t, taskErr, err)
	assert.True(t, conn.closed)
}

func TestConnectionScopeClosesOnPanic(t *testing.T) {
	conn := newTestConnection(&fakeTable{}, 0)

	assert.Panics(t, func() {
		withConnectionScope(conn, func(*Connection) error {
			panic("user function exploded")
		})
	})
	assert.True(t, conn.closed)
}

func TestConnectionScopeJoinsPoolBeforeClosing(t *testing.T) {
	table := &fakeTable{}
	conn := newTestConnection(table, 2)

	err := withConnectionScope(conn, func(c *Connection) error {
		return c.submitAsync(context.Background(), table,
			[]*Mutation{NewDelete(Item{"id": stringAttr("k1")})}, func(Result) {})
	})
	require.NoError(t, err)

	// The in-flight submission completed before the scope returned
	assert.Equal(t, 1, table.flushCount())
	assert.True(t, conn.closed)
}

func TestConnectionScopeSurfacesPoolErrors(t *testing.T) {
	table := &fakeTable{submitErr: errors.New("store unavailable")}
	conn := newTestConnection(table, 2)

	err := withConnectionScope(conn, func(c *Connection) error {
		return c.submitAsync(context.Background(), table,
			[]*Mutation{NewDelete(Item{"id": stringAttr("k1")})}, func(Result) {})
	})
	assert.Error(t, err)
	assert.True(t, conn.closed)
}

func TestConnectionScopeTaskErrorWinsOverPoolError(t *testing.T) {
	table := &fakeTable{submitErr: errors.New("store unavailable")}
	conn := newTestConnection(table, 2)
	taskErr := errors.New("partition failed")

	err := withConnectionScope(conn, func(c *Connection) error {
		c.submitAsync(context.Background(), table,
			[]*Mutation{NewDelete(Item{"id": stringAttr("k1")})}, func(Result) {})
		return taskErr
	})
	assert.Equal(t, taskErr, err)
}

func TestConnectionCloseIsIdempotent(t *testing.T) {
	conn := newTestConnection(&fakeTable{}, 0)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.True(t, conn.closed)
}

func TestConnectionTableHandleIsCached(t *testing.T) {
	handles := 0
	conn := newTestConnection(nil, 0)
	conn.newTable = func(name string) Table {
		handles++
		return &fakeTable{name: name}
	}

	first, err := conn.Table("metrics")
	require.NoError(t, err)
	second, err := conn.Table("metrics")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, handles)

	_, err = conn.Table("events")
	require.NoError(t, err)
	assert.Equal(t, 2, handles)
}

func TestConnectionTableAfterCloseFails(t *testing.T) {
	conn := newTestConnection(&fakeTable{}, 0)
	require.NoError(t, conn.Close())

	_, err := conn.Table("metrics")
	assert.Error(t, err)
}

func TestSubmitAsyncRequiresPool(t *testing.T) {
	table := &fakeTable{}
	conn := newTestConnection(table, 0)

	err := conn.submitAsync(context.Background(), table,
		[]*Mutation{NewDelete(Item{"id": stringAttr("k1")})}, func(Result) {})
	assert.Error(t, err)
}

func TestOpenConnectionNilSnapshotIsFatal(t *testing.T) {
	_, err := openConnection(&processState{}, nil, 0)
	assert.Error(t, err)
}
