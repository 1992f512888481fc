package transport

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/crsync/internal/change"
	"github.com/mschirtzinger/crsync/internal/replica"
	"github.com/mschirtzinger/crsync/internal/store"
	"github.com/mschirtzinger/crsync/internal/wire"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func testConfig() *Config {
	c := DefaultConfig()
	c.Logger = quietLogger()
	c.BatchSize = 3
	c.HandshakeTimeout = 2 * time.Second
	c.AckTimeout = 5 * time.Second
	c.BackoffMin = 10 * time.Millisecond
	c.BackoffMax = 50 * time.Millisecond
	return c
}

func newReplica(t *testing.T) *replica.Replica {
	t.Helper()
	return newReplicaWithRows(t, 0)
}

// newReplicaWithRows tracks a todos table that already holds n rows, so
// they are all backfilled into a single db_version.
func newReplicaWithRows(t *testing.T, n int) *replica.Replica {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(filepath.Join(t.TempDir(), "replica.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.ExecContext(ctx, `CREATE TABLE todos (id INTEGER PRIMARY KEY, title TEXT)`)
	require.NoError(t, err)
	for i := 1; i <= n; i++ {
		_, err = db.ExecContext(ctx, `INSERT INTO todos (id, title) VALUES (?, ?)`,
			i, fmt.Sprintf("backfilled row %d with a title long enough to matter", i))
		require.NoError(t, err)
	}

	r, err := replica.Open(ctx, db, &replica.Options{Logger: quietLogger()})
	require.NoError(t, err)
	_, err = r.Track(ctx, "todos")
	require.NoError(t, err)
	return r
}

// at is the cursor at the end of db_version v, for one-record versions.
func at(v int64) change.Cursor { return change.Cursor{Version: v} }

func write(t *testing.T, r *replica.Replica, id int64, title string) {
	t.Helper()
	_, err := r.Write(context.Background(), "todos", []change.Value{change.Integer(id)},
		map[string]change.Value{"title": change.Text(title)})
	require.NoError(t, err)
}

// title reads a row's title, or "" when the row is absent.
func title(t *testing.T, r *replica.Replica, id int64) string {
	t.Helper()
	row, ok, err := r.Get(context.Background(), "todos", []change.Value{change.Integer(id)})
	require.NoError(t, err)
	if !ok {
		return ""
	}
	s, _ := row["title"].AsText()
	return s
}

func eventuallyHas(t *testing.T, r *replica.Replica, id int64, want string) {
	t.Helper()
	require.Eventually(t, func() bool { return title(t, r, id) == want },
		5*time.Second, 10*time.Millisecond, "row %d never became %q", id, want)
}

// fakePeer drives the remote end of a session frame by frame.
type fakePeer struct {
	t    *testing.T
	conn net.Conn
	site change.SiteID
}

func (p *fakePeer) send(m *wire.Message) {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetWriteDeadline(time.Now().Add(5*time.Second)))
	require.NoError(p.t, wire.WriteFrame(p.conn, m, wire.DefaultMaxFrameSize))
}

func (p *fakePeer) recv() *wire.Message {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	m, err := wire.ReadFrame(p.conn, wire.DefaultMaxFrameSize)
	require.NoError(p.t, err)
	return m
}

// handshake exchanges handshakes and returns the session's first
// sync_request.
func (p *fakePeer) handshake() *wire.Message {
	p.t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- wire.WriteFrame(p.conn, wire.Handshake(p.site, 0), wire.DefaultMaxFrameSize) }()

	hello := p.recv()
	require.Equal(p.t, wire.TypeHandshake, hello.Type)
	require.NoError(p.t, <-errc)

	req := p.recv()
	require.Equal(p.t, wire.TypeSyncRequest, req.Type)
	return req
}

// runSession starts a session on conn and returns a channel carrying the
// error it ends with.
func runSession(ctx context.Context, conn net.Conn, r Replica, config *Config) (*Session, <-chan error) {
	sess := NewSession(conn, r, config)
	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()
	return sess, done
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
		return nil
	}
}
