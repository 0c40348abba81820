// Package connector specifies the remote list-store contract the sync
// engine drives. The real HTTP/REST implementation (authentication, paging,
// form-digest handling, attachment ops) is an external collaborator and is
// intentionally not implemented here; only the interface and the error
// classification rules live in this package.
package connector

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Item is one row returned by the remote store.
type Item struct {
	Id          int
	ETag        string
	ModifiedUtc time.Time
	Fields      map[string]any
}

// QueryOptions shapes a paged list query.
type QueryOptions struct {
	Select         []string
	Filter         string
	OrderBy        string
	Top            int
	NextPageCursor string
}

// Page is one page of query results.
type Page struct {
	Items          []Item
	NextPageCursor string
}

// Connector is the narrow contract the Sync Engine depends on. Real
// implementations live outside this module; a deterministic fake for tests
// lives in internal/connector/fake.
type Connector interface {
	GetListIdByTitle(ctx context.Context, title string) (string, error)
	QueryListItems(ctx context.Context, listId string, opts QueryOptions) (Page, error)
	GetListItem(ctx context.Context, listId string, id int, selectFields []string) (Item, error)
	CreateListItem(ctx context.Context, listId string, fields map[string]any) (int, error)
	UpdateListItem(ctx context.Context, listId string, id int, fields map[string]any, ifMatchETag string) error
}

// IfMatchAny is passed as ifMatchETag for an unconditional update.
const IfMatchAny = "*"

// RequestError is the error shape returned by a Connector implementation:
// a status code, reason phrase, and raw response body.
type RequestError struct {
	StatusCode   int
	ReasonPhrase string
	ResponseBody string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("remote request failed: %d %s: %s", e.StatusCode, e.ReasonPhrase, e.ResponseBody)
}

// IsAuthError reports whether err signals an expired/invalid session that
// warrants one transparent re-authentication retry (401/403).
func IsAuthError(err error) bool {
	re, ok := asRequestError(err)
	if !ok {
		return false
	}
	return re.StatusCode == 401 || re.StatusCode == 403
}

// IsConcurrencyConflict reports whether err is the optimistic-concurrency
// signal: 409/412, or a 400 body mentioning etag/precondition.
func IsConcurrencyConflict(err error) bool {
	re, ok := asRequestError(err)
	if !ok {
		return false
	}
	if re.StatusCode == 409 || re.StatusCode == 412 {
		return true
	}
	if re.StatusCode == 400 {
		body := strings.ToLower(re.ResponseBody)
		return strings.Contains(body, "etag") || strings.Contains(body, "precondition")
	}
	return false
}

// IsAlreadyExists reports whether err is the already-exists signal: 409, or
// a 400/500 body mentioning unique/already/duplicate.
func IsAlreadyExists(err error) bool {
	re, ok := asRequestError(err)
	if !ok {
		return false
	}
	if re.StatusCode == 409 {
		return true
	}
	if re.StatusCode == 400 || re.StatusCode == 500 {
		body := strings.ToLower(re.ResponseBody)
		return strings.Contains(body, "unique") || strings.Contains(body, "already") || strings.Contains(body, "duplicate")
	}
	return false
}

// IsUnknownColumn reports whether err is a 400 rejecting a requested column
// that does not exist on the server-side list, naming it in column. Used to
// detect an older deployment's list schema lagging the client's $select.
func IsUnknownColumn(err error, column string) bool {
	re, ok := asRequestError(err)
	if !ok || re.StatusCode != 400 {
		return false
	}
	return strings.Contains(re.ResponseBody, column)
}

func asRequestError(err error) (*RequestError, bool) {
	re, ok := err.(*RequestError)
	return re, ok
}
