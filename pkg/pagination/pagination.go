package pagination

import (
	"net/url"
	"strconv"
)

const (
	DefaultPageSize = 100
	DefaultMaxTop   = 1000
)

// Settings are the server paging limits.
type Settings struct {
	PageSize int
	MaxTop   int
}

// WithDefaults fills unset limits with the package defaults.
func (s Settings) WithDefaults() Settings {
	if s.PageSize <= 0 {
		s.PageSize = DefaultPageSize
	}
	if s.MaxTop <= 0 {
		s.MaxTop = DefaultMaxTop
	}
	return s
}

// Params is the page a collection request resolves to.
type Params struct {
	Limit  int
	Offset int
	// ServerDriven is set when the client gave no $top and the server
	// limits the page, so a next link may be needed.
	ServerDriven bool
}

// Plan resolves $top/$skip against the settings. Without $top the page is
// server-driven and capped at PageSize.
func Plan(top *int, skip int, s Settings) Params {
	s = s.WithDefaults()
	if skip < 0 {
		skip = 0
	}
	if top != nil {
		limit := *top
		if limit > s.MaxTop {
			limit = s.MaxTop
		}
		return Params{Limit: limit, Offset: skip}
	}
	return Params{Limit: s.PageSize, Offset: skip, ServerDriven: true}
}

// FetchLimit is the number of rows to request. Server-driven pages fetch
// one extra row to learn whether another page exists.
func (p Params) FetchLimit() int {
	if p.ServerDriven {
		return p.Limit + 1
	}
	return p.Limit
}

// HasNext reports whether fetched rows overflow the page.
func (p Params) HasNext(fetched int) bool {
	return p.ServerDriven && fetched > p.Limit
}

// NextOffset returns the offset for the next page.
func (p Params) NextOffset() int {
	return p.Offset + p.Limit
}

// NextLink builds the absolute URL of the next page: the request's query
// with $skip advanced and any $skiptoken dropped. base is scheme://host.
func (p Params) NextLink(base string, requestURL *url.URL) string {
	q := requestURL.Query()
	q.Del("$skiptoken")
	q.Set("$skip", strconv.Itoa(p.NextOffset()))
	return base + requestURL.Path + "?" + q.Encode()
}
