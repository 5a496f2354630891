package ingest

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "bad connection", err: driver.ErrBadConn, want: true},
		{name: "connection done", err: sql.ErrConnDone, want: true},
		{name: "deadline", err: fmt.Errorf("insert: %w", context.DeadlineExceeded), want: true},
		{
			name: "dial refused",
			err:  fmt.Errorf("failed to begin transaction: %w", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}),
			want: true,
		},
		{
			name: "read timeout",
			err:  &net.OpError{Op: "read", Net: "tcp", Err: os.ErrDeadlineExceeded},
			want: true,
		},
		{name: "connection reset", err: fmt.Errorf("exec: %w", syscall.ECONNRESET), want: true},
		{name: "truncated response", err: io.ErrUnexpectedEOF, want: true},
		{name: "mysql invalid connection", err: mysql.ErrInvalidConn, want: true},
		{name: "postgres admin shutdown", err: &pq.Error{Code: "57P01"}, want: true},
		{name: "postgres connection failure", err: &pq.Error{Code: "08006"}, want: true},
		{name: "postgres unique violation", err: &pq.Error{Code: "23505"}, want: false},
		{name: "postgres bad input", err: fmt.Errorf("insert: %w", &pq.Error{Code: "22P02"}), want: false},
		{name: "mysql duplicate key", err: &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}, want: false},
		{name: "plain error", err: errors.New("UNIQUE constraint failed: calls.id"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isFatal(context.Background(), tt.err))
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, isFatal(ctx, errors.New("UNIQUE constraint failed")), "canceled context aborts")
}
