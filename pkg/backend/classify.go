package backend

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/liliang-cn/sqregistry/pkg/core"
)

var classifiers = []func(error) (core.Kind, bool){
	classifySQLite,
	classifyPostgres,
	classifyMySQL,
	classifyMSSQL,
}

// Classify maps any driver error into exactly one taxonomy kind. Errors that
// are already classified keep their kind.
func Classify(err error) core.Kind {
	if err == nil {
		return core.KindUnknown
	}
	if k := core.KindOf(err); k != core.KindUnknown {
		return k
	}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return core.KindNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return core.KindTimeout
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone):
		return core.KindTransient
	case errors.Is(err, sql.ErrTxDone):
		return core.KindFatal
	}
	for _, c := range classifiers {
		if k, ok := c(err); ok {
			return k
		}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return core.KindTransient
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return core.KindTransient
	}
	return core.KindFatal
}
