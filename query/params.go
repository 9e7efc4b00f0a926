package query

import (
	"net/url"
	"strconv"
)

// Sort columns accepted by the indexer.
const (
	OrderByCreatedAt = "createdAt"
	OrderByUpdatedAt = "updatedAt"
	OrderByAmount    = "amount"
)

// Sort directions.
const (
	OrderAsc  = "asc"
	OrderDesc = "desc"
)

// FilterAll is the wildcard value for the type and status filters.
const FilterAll = "all"

// RoleSigner routes the query to the funded-by-signer index instead of a
// role slot.
const RoleSigner = "signer"

// DefaultRole is the role filter applied when none is chosen.
const DefaultRole = "approver"

// Params is the full filter/pagination state of an escrow list view. The
// zero value is not meaningful; start from DefaultParams.
type Params struct {
	Page            int
	OrderBy         string
	OrderDirection  string
	Title           string
	EngagementID    string
	IsActive        bool
	ValidateOnChain bool
	Type            string
	Status          string
	MinAmount       string
	MaxAmount       string
	StartDate       string
	EndDate         string
	Role            string
}

// DefaultParams returns the documented defaults every absent URL key falls
// back to.
func DefaultParams() Params {
	return Params{
		Page:            1,
		OrderBy:         OrderByCreatedAt,
		OrderDirection:  OrderDesc,
		IsActive:        true,
		ValidateOnChain: true,
		Type:            FilterAll,
		Status:          FilterAll,
		Role:            DefaultRole,
	}
}

func validOrderBy(s string) bool {
	switch s {
	case OrderByCreatedAt, OrderByUpdatedAt, OrderByAmount:
		return true
	}
	return false
}

func validOrderDirection(s string) bool {
	return s == OrderAsc || s == OrderDesc
}

// Normalize coerces out-of-range fields back to their defaults so a
// hand-edited URL can never wedge the view.
func (p Params) Normalize() Params {
	def := DefaultParams()
	if p.Page < 1 {
		p.Page = def.Page
	}
	if !validOrderBy(p.OrderBy) {
		p.OrderBy = def.OrderBy
	}
	if !validOrderDirection(p.OrderDirection) {
		p.OrderDirection = def.OrderDirection
	}
	if p.Type == "" {
		p.Type = def.Type
	}
	if p.Status == "" {
		p.Status = def.Status
	}
	if p.Role == "" {
		p.Role = def.Role
	}
	return p
}

// Values serialises the params as flat key-value pairs. Fields that hold
// their default are omitted so shared URLs stay short and absent keys keep
// their documented fallback.
func (p Params) Values() url.Values {
	p = p.Normalize()
	def := DefaultParams()
	v := url.Values{}
	if p.Page != def.Page {
		v.Set("page", strconv.Itoa(p.Page))
	}
	if p.OrderBy != def.OrderBy {
		v.Set("orderBy", p.OrderBy)
	}
	if p.OrderDirection != def.OrderDirection {
		v.Set("orderDirection", p.OrderDirection)
	}
	if p.Title != "" {
		v.Set("title", p.Title)
	}
	if p.EngagementID != "" {
		v.Set("engagementId", p.EngagementID)
	}
	if p.IsActive != def.IsActive {
		v.Set("isActive", strconv.FormatBool(p.IsActive))
	}
	if p.ValidateOnChain != def.ValidateOnChain {
		v.Set("validateOnChain", strconv.FormatBool(p.ValidateOnChain))
	}
	if p.Type != def.Type {
		v.Set("type", p.Type)
	}
	if p.Status != def.Status {
		v.Set("status", p.Status)
	}
	if p.MinAmount != "" {
		v.Set("minAmount", p.MinAmount)
	}
	if p.MaxAmount != "" {
		v.Set("maxAmount", p.MaxAmount)
	}
	if p.StartDate != "" {
		v.Set("startDate", p.StartDate)
	}
	if p.EndDate != "" {
		v.Set("endDate", p.EndDate)
	}
	if p.Role != def.Role {
		v.Set("role", p.Role)
	}
	return v
}

// Encode renders the canonical query string. url.Values.Encode sorts keys,
// so equal parameter sets always encode identically; the engine relies on
// that for both URL change detection and cache keying.
func (p Params) Encode() string {
	return p.Values().Encode()
}

// paramsFromRawQuery parses a raw query string, ignoring malformed pairs.
func paramsFromRawQuery(rawQuery string) Params {
	v, err := url.ParseQuery(rawQuery)
	if err != nil {
		return DefaultParams()
	}
	return ParseValues(v)
}

// ParseValues rebuilds params from URL key-value pairs. Absent keys fall
// back to defaults; malformed values are coerced rather than rejected.
func ParseValues(v url.Values) Params {
	p := DefaultParams()
	if raw := v.Get("page"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 1 {
			p.Page = n
		}
	}
	if raw := v.Get("orderBy"); validOrderBy(raw) {
		p.OrderBy = raw
	}
	if raw := v.Get("orderDirection"); validOrderDirection(raw) {
		p.OrderDirection = raw
	}
	p.Title = v.Get("title")
	p.EngagementID = v.Get("engagementId")
	if raw := v.Get("isActive"); raw != "" {
		if b, err := strconv.ParseBool(raw); err == nil {
			p.IsActive = b
		}
	}
	if raw := v.Get("validateOnChain"); raw != "" {
		if b, err := strconv.ParseBool(raw); err == nil {
			p.ValidateOnChain = b
		}
	}
	if raw := v.Get("type"); raw != "" {
		p.Type = raw
	}
	if raw := v.Get("status"); raw != "" {
		p.Status = raw
	}
	p.MinAmount = v.Get("minAmount")
	p.MaxAmount = v.Get("maxAmount")
	p.StartDate = v.Get("startDate")
	p.EndDate = v.Get("endDate")
	if raw := v.Get("role"); raw != "" {
		p.Role = raw
	}
	return p
}
