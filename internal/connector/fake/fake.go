// Package fake provides a deterministic in-memory connector.Connector used
// by this repository's own tests in lieu of a live SharePoint endpoint.
package fake

import (
	"context"
	"sort"
	"sync"

	"github.com/vitaliisemenov/spsync/internal/connector"
)

type list struct {
	title string
	items map[int]connector.Item
	nextId int
}

// Connector is a single-process, mutex-guarded fake implementing
// connector.Connector. It does not page beyond opts.Top and ignores
// NextPageCursor ordering beyond a simple offset encoded as a cursor string.
type Connector struct {
	mu    sync.Mutex
	lists map[string]*list // keyed by listId

	// etagSeq numbers generated ETags so they are deterministic.
	etagSeq int

	// rejectSelectColumn, when set, makes QueryListItems fail with a 400
	// naming the column whenever a caller's Select requests it — simulating
	// a list that has not yet been migrated to carry that column.
	rejectSelectColumn string
}

// RejectSelectColumn makes any QueryListItems call whose Select includes
// column fail with a 400 response body naming it, until cleared by passing
// an empty string.
func (c *Connector) RejectSelectColumn(column string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejectSelectColumn = column
}

// New returns an empty fake connector.
func New() *Connector {
	return &Connector{lists: make(map[string]*list)}
}

// Seed registers a list with the given id/title/initial items, overwriting
// any prior registration with the same id.
func (c *Connector) Seed(listId, title string, items []connector.Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := &list{title: title, items: make(map[int]connector.Item)}
	maxId := 0
	for _, it := range items {
		l.items[it.Id] = it
		if it.Id > maxId {
			maxId = it.Id
		}
	}
	l.nextId = maxId + 1
	c.lists[listId] = l
}

// PutServer directly mutates a server item, simulating a concurrent remote
// edit a test wants to race against a local mutation.
func (c *Connector) PutServer(listId string, item connector.Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.lists[listId]
	if l == nil {
		l = &list{items: make(map[int]connector.Item)}
		c.lists[listId] = l
	}
	l.items[item.Id] = item
	if item.Id >= l.nextId {
		l.nextId = item.Id + 1
	}
}

func (c *Connector) GetListIdByTitle(_ context.Context, title string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, l := range c.lists {
		if l.title == title {
			return id, nil
		}
	}
	return "", &connector.RequestError{StatusCode: 404, ReasonPhrase: "Not Found", ResponseBody: "list not found: " + title}
}

func (c *Connector) QueryListItems(_ context.Context, listId string, opts connector.QueryOptions) (connector.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rejectSelectColumn != "" {
		for _, field := range opts.Select {
			if field == c.rejectSelectColumn {
				return connector.Page{}, &connector.RequestError{
					StatusCode:   400,
					ReasonPhrase: "Bad Request",
					ResponseBody: "Invalid column name '" + c.rejectSelectColumn + "'.",
				}
			}
		}
	}
	l := c.lists[listId]
	if l == nil {
		return connector.Page{}, &connector.RequestError{StatusCode: 404, ReasonPhrase: "Not Found", ResponseBody: "list not found: " + listId}
	}
	items := make([]connector.Item, 0, len(l.items))
	for _, it := range l.items {
		if opts.Filter != "" && !matchesFilter(it, opts.Filter) {
			continue
		}
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].ModifiedUtc.Equal(items[j].ModifiedUtc) {
			return items[i].Id < items[j].Id
		}
		return items[i].ModifiedUtc.Before(items[j].ModifiedUtc)
	})

	top := opts.Top
	if top <= 0 {
		top = len(items)
	}
	start := 0
	if opts.NextPageCursor != "" {
		start = decodeCursor(opts.NextPageCursor)
	}
	if start > len(items) {
		start = len(items)
	}
	end := start + top
	if end > len(items) {
		end = len(items)
	}
	page := connector.Page{Items: items[start:end]}
	if end < len(items) {
		page.NextPageCursor = encodeCursor(end)
	}
	return page, nil
}

func (c *Connector) GetListItem(_ context.Context, listId string, id int, _ []string) (connector.Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.lists[listId]
	if l == nil {
		return connector.Item{}, &connector.RequestError{StatusCode: 404, ReasonPhrase: "Not Found"}
	}
	it, ok := l.items[id]
	if !ok {
		return connector.Item{}, &connector.RequestError{StatusCode: 404, ReasonPhrase: "Not Found"}
	}
	return it, nil
}

func (c *Connector) CreateListItem(_ context.Context, listId string, fields map[string]any) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.lists[listId]
	if l == nil {
		l = &list{items: make(map[int]connector.Item)}
		c.lists[listId] = l
	}
	id := l.nextId
	l.nextId++
	c.etagSeq++
	l.items[id] = connector.Item{
		Id:     id,
		ETag:   encodeETag(c.etagSeq),
		Fields: cloneFields(fields),
	}
	return id, nil
}

func (c *Connector) UpdateListItem(_ context.Context, listId string, id int, fields map[string]any, ifMatchETag string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.lists[listId]
	if l == nil {
		return &connector.RequestError{StatusCode: 404, ReasonPhrase: "Not Found"}
	}
	existing, ok := l.items[id]
	if !ok {
		return &connector.RequestError{StatusCode: 404, ReasonPhrase: "Not Found"}
	}
	if ifMatchETag != "" && ifMatchETag != connector.IfMatchAny && ifMatchETag != existing.ETag {
		return &connector.RequestError{StatusCode: 412, ReasonPhrase: "Precondition Failed", ResponseBody: "etag mismatch"}
	}
	c.etagSeq++
	merged := cloneFields(existing.Fields)
	for k, v := range fields {
		merged[k] = v
	}
	existing.Fields = merged
	existing.ETag = encodeETag(c.etagSeq)
	l.items[id] = existing
	return nil
}

func cloneFields(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func matchesFilter(_ connector.Item, _ string) bool {
	// The fake does not parse OData filters; callers that need filtered
	// results should seed only the items that should match, or filter the
	// returned page themselves. Kept permissive so engine tests can focus
	// on watermark/ordering behavior rather than filter-string parsing.
	return true
}

func encodeETag(seq int) string {
	return "etag-" + itoa(seq)
}

func encodeCursor(offset int) string {
	return "cursor-" + itoa(offset)
}

func decodeCursor(cursor string) int {
	n := 0
	for i := len("cursor-"); i < len(cursor); i++ {
		if cursor[i] < '0' || cursor[i] > '9' {
			break
		}
		n = n*10 + int(cursor[i]-'0')
	}
	return n
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
