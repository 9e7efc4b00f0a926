// Package query builds, debounces and caches the escrow list queries behind
// the dashboard's filter bar, and keeps the filter state synchronized with a
// shareable URL query string.
package query

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/tomassalina/koopay/ledger"
)

// Indexer is the read side of the external escrow engine.
type Indexer interface {
	QueryByRole(ctx context.Context, q *ledger.QueryRequest) ([]ledger.EscrowRecord, error)
	QueryBySigner(ctx context.Context, q *ledger.QueryRequest) ([]ledger.EscrowRecord, error)
}

const (
	// fieldDebounce delays folding typed filter edits into the effective
	// query, so keystrokes do not become request storms.
	fieldDebounce = 350 * time.Millisecond
	// queryDebounce delays acting on the folded query (URL sync + change
	// notification) so bursts of filter changes coalesce.
	queryDebounce = 200 * time.Millisecond

	defaultPageSize = 20
)

// Page is one fetched slice of the escrow list. HasNext comes from the
// prefetched lookahead page, not a count endpoint.
type Page struct {
	Records []ledger.EscrowRecord
	HasNext bool
}

// Engine owns the filter state machine for one list view.
type Engine struct {
	mu       sync.Mutex
	indexer  Indexer
	address  string
	pageSize int
	logger   *slog.Logger

	effective Params
	staged    Params
	dirty     bool

	fieldDelay time.Duration
	queryDelay time.Duration
	fieldGen   int
	queryGen   int
	afterFunc  func(time.Duration, func()) *time.Timer

	urlSink  func(string)
	lastURL  string
	onChange func(Params)

	cache map[string][]ledger.EscrowRecord
}

// Option adjusts engine construction.
type Option func(*Engine)

// WithPageSize overrides the page length.
func WithPageSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// WithURLSink registers the callback that receives the serialized query
// string whenever it actually changes.
func WithURLSink(sink func(string)) Option {
	return func(e *Engine) {
		e.urlSink = sink
	}
}

// WithOnChange registers the callback fired after the debounced query
// settles; list views refetch from it.
func WithOnChange(fn func(Params)) Option {
	return func(e *Engine) {
		e.onChange = fn
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// withDebounce overrides the debounce windows (test only).
func withDebounce(field, query time.Duration) Option {
	return func(e *Engine) {
		e.fieldDelay = field
		e.queryDelay = query
	}
}

// withAfterFunc overrides the timer source (test only).
func withAfterFunc(fn func(time.Duration, func()) *time.Timer) Option {
	return func(e *Engine) {
		if fn != nil {
			e.afterFunc = fn
		}
	}
}

// NewEngine builds a query engine for the given viewer address.
func NewEngine(indexer Indexer, address string, opts ...Option) *Engine {
	e := &Engine{
		indexer:    indexer,
		address:    address,
		pageSize:   defaultPageSize,
		logger:     slog.Default(),
		effective:  DefaultParams(),
		staged:     DefaultParams(),
		fieldDelay: fieldDebounce,
		queryDelay: queryDebounce,
		afterFunc:  time.AfterFunc,
		cache:      make(map[string][]ledger.EscrowRecord),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// ForViewer returns a fresh engine bound to address, sharing the indexer
// and configuration but none of the filter state or cached pages. An empty
// address keeps the receiver's. Serving several viewers through one engine
// would leak one caller's filters and results into another's.
func (e *Engine) ForViewer(address string) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	if address == "" {
		address = e.address
	}
	return &Engine{
		indexer:    e.indexer,
		address:    address,
		pageSize:   e.pageSize,
		logger:     e.logger,
		effective:  DefaultParams(),
		staged:     DefaultParams(),
		fieldDelay: e.fieldDelay,
		queryDelay: e.queryDelay,
		afterFunc:  e.afterFunc,
		cache:      make(map[string][]ledger.EscrowRecord),
	}
}

// Params returns the current effective parameter set.
func (e *Engine) Params() Params {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.effective
}

// Apply stages a filter edit and restarts the field debounce window. Typed
// text and amount/date bounds go through here.
func (e *Engine) Apply(mutate func(*Params)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	mutate(&e.staged)
	e.staged = e.staged.Normalize()
	e.dirty = true
	e.fieldGen++
	gen := e.fieldGen
	e.afterFunc(e.fieldDelay, func() { e.foldStaged(gen) })
}

// SetPage changes the page without the field debounce; pagination clicks
// should feel immediate.
func (e *Engine) SetPage(page int) {
	e.setImmediate(func(p *Params) {
		if page >= 1 {
			p.Page = page
		}
	})
}

// NextPage advances one page.
func (e *Engine) NextPage() {
	e.setImmediate(func(p *Params) { p.Page++ })
}

// PrevPage steps back one page, never below the first.
func (e *Engine) PrevPage() {
	e.setImmediate(func(p *Params) {
		if p.Page > 1 {
			p.Page--
		}
	})
}

// SetSort updates the sort state. The explicit order fields and the table
// sort control share this single source of truth, which is what keeps the
// two representations consistent.
func (e *Engine) SetSort(orderBy, direction string) {
	e.setImmediate(func(p *Params) {
		if validOrderBy(orderBy) {
			p.OrderBy = orderBy
		}
		if validOrderDirection(direction) {
			p.OrderDirection = direction
		}
		p.Page = 1
	})
}

// ClearSort resets ordering to the default createdAt desc.
func (e *Engine) ClearSort() {
	e.setImmediate(func(p *Params) {
		def := DefaultParams()
		p.OrderBy = def.OrderBy
		p.OrderDirection = def.OrderDirection
	})
}

// SortState reports the current sort column and direction.
func (e *Engine) SortState() (string, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.effective.OrderBy, e.effective.OrderDirection
}

// Reset restores every filter to its documented default and returns to the
// first page. Calling it twice yields the identical parameter set.
func (e *Engine) Reset() {
	e.setImmediate(func(p *Params) {
		*p = DefaultParams()
	})
}

func (e *Engine) setImmediate(mutate func(*Params)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	mutate(&e.staged)
	e.staged = e.staged.Normalize()
	e.dirty = true
	e.fieldGen++
	e.foldStagedLocked()
}

func (e *Engine) foldStaged(gen int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.fieldGen {
		// A newer edit restarted the window.
		return
	}
	e.foldStagedLocked()
}

func (e *Engine) foldStagedLocked() {
	if !e.dirty {
		return
	}
	e.effective = e.staged
	e.dirty = false
	e.queryGen++
	gen := e.queryGen
	e.afterFunc(e.queryDelay, func() { e.settle(gen) })
}

func (e *Engine) settle(gen int) {
	e.mu.Lock()
	if gen != e.queryGen {
		e.mu.Unlock()
		return
	}
	params := e.effective
	encoded := params.Encode()
	changed := encoded != e.lastURL
	if changed {
		e.lastURL = encoded
	}
	sink := e.urlSink
	onChange := e.onChange
	e.mu.Unlock()

	// URL sync only fires when the serialized query actually changed,
	// avoiding redundant navigation entries.
	if changed && sink != nil {
		sink(encoded)
	}
	if onChange != nil {
		onChange(params)
	}
}

// Flush forces any staged edits through both debounce windows synchronously.
func (e *Engine) Flush() {
	e.mu.Lock()
	e.fieldGen++
	e.foldStagedLocked()
	e.queryGen++
	gen := e.queryGen
	e.mu.Unlock()
	e.settle(gen)
}

// RestoreURL loads filter state from a previously shared query string.
func (e *Engine) RestoreURL(rawQuery string) {
	params := paramsFromRawQuery(rawQuery)
	e.mu.Lock()
	e.staged = params
	e.effective = params
	e.dirty = false
	e.lastURL = params.Encode()
	e.mu.Unlock()
}

// Invalidate drops every cached page for the scope. Mutations call this
// wholesale after success: extra refetches are cheaper than a stale list.
func (e *Engine) Invalidate(scope string) {
	if scope != "" && scope != "escrows" {
		return
	}
	e.mu.Lock()
	e.cache = make(map[string][]ledger.EscrowRecord)
	e.mu.Unlock()
}

// Fetch returns the current page and prefetches page N+1 so the caller can
// disable its "next" control precisely when no further data exists.
func (e *Engine) Fetch(ctx context.Context) (*Page, error) {
	e.mu.Lock()
	params := e.effective
	e.mu.Unlock()

	records, err := e.fetchPage(ctx, params)
	if err != nil {
		return nil, err
	}
	lookahead := params
	lookahead.Page++
	next, err := e.fetchPage(ctx, lookahead)
	if err != nil {
		// Lookahead is best-effort: the current page is still valid.
		e.logger.Warn("lookahead prefetch failed", "page", lookahead.Page, "err", err)
		next = nil
	}
	return &Page{Records: records, HasNext: len(next) > 0}, nil
}

func (e *Engine) fetchPage(ctx context.Context, params Params) ([]ledger.EscrowRecord, error) {
	key := e.cacheKey(params)
	e.mu.Lock()
	if cached, ok := e.cache[key]; ok {
		e.mu.Unlock()
		return cached, nil
	}
	e.mu.Unlock()

	req := e.buildRequest(params)
	var (
		records []ledger.EscrowRecord
		err     error
	)
	if params.Role == RoleSigner {
		records, err = e.indexer.QueryBySigner(ctx, req)
	} else {
		records, err = e.indexer.QueryByRole(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.cache[key] = records
	e.mu.Unlock()
	return records, nil
}

func (e *Engine) buildRequest(params Params) *ledger.QueryRequest {
	req := &ledger.QueryRequest{
		Address:         e.address,
		Page:            params.Page,
		Limit:           e.pageSize,
		OrderBy:         params.OrderBy,
		OrderDirection:  params.OrderDirection,
		Title:           params.Title,
		EngagementID:    params.EngagementID,
		IsActive:        params.IsActive,
		ValidateOnChain: params.ValidateOnChain,
		MinAmount:       params.MinAmount,
		MaxAmount:       params.MaxAmount,
		StartDate:       params.StartDate,
		EndDate:         params.EndDate,
	}
	if params.Role != RoleSigner {
		req.Role = params.Role
	}
	if params.Type != FilterAll {
		req.Type = params.Type
	}
	if params.Status != FilterAll {
		req.Status = params.Status
	}
	return req
}

// cacheKey is the canonical encoding plus the page size, so resized views
// never collide. The full filter/pagination tuple keys each cached page.
func (e *Engine) cacheKey(params Params) string {
	return params.Encode() + "&_limit=" + strconv.Itoa(e.pageSize)
}
