package storage

import (
	"database/sql"
	"errors"
	"net"

	"github.com/lib/pq"
	sqlite3 "github.com/mattn/go-sqlite3"

	memerr "infinite-mcp-memory/internal/errors"
)

// mapStoreError classifies backend failures into the engine taxonomy:
// unreachable backends become StoreUnavailable, unique-index violations
// become StoreIntegrity, and everything else bubbles up as StoreError.
func mapStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return memerr.Wrap(memerr.KindNotFound, op+": not found", err)
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code == sqlite3.ErrConstraint {
			return memerr.Wrap(memerr.KindStoreIntegrity, op+": unique index violation", err)
		}
		return memerr.Wrap(memerr.KindStoreError, op+": query failed", err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 23 covers integrity constraint violations.
		if len(pqErr.Code) >= 2 && pqErr.Code[:2] == "23" {
			return memerr.Wrap(memerr.KindStoreIntegrity, op+": unique index violation", err)
		}
		if pqErr.Code.Class() == "08" {
			return memerr.Wrap(memerr.KindStoreUnavailable, op+": backend unreachable", err)
		}
		return memerr.Wrap(memerr.KindStoreError, op+": query failed", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, sql.ErrConnDone) {
		return memerr.Wrap(memerr.KindStoreUnavailable, op+": backend unreachable", err)
	}

	return memerr.Wrap(memerr.KindStoreError, op+": query failed", err)
}
