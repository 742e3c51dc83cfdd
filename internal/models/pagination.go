package models

// SortBy selects the ordering key of a telemetry query
type SortBy string

const (
	SortByTimestamp SortBy = "timestamp"
	SortByID        SortBy = "id"
)

// SortOrder selects the ordering direction
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// Default page parameters
const (
	DefaultPageSize = 20
	MaxPageSize     = 1000
	MaxPage         = 1000000
)

// PageRequest is the offset pagination cursor of one query
type PageRequest struct {
	Page      int       `json:"page"`
	PageSize  int       `json:"pageSize"`
	SortBy    SortBy    `json:"sortBy"`
	SortOrder SortOrder `json:"sortOrder"`
}

// Offset returns the number of rows skipped before this page
func (p PageRequest) Offset() int {
	if p.Page < 1 {
		return 0
	}
	return (p.Page - 1) * p.PageSize
}

// PaginationInfo describes where a page sits in the filtered result
type PaginationInfo struct {
	Page            int   `json:"page"`
	PageSize        int   `json:"pageSize"`
	TotalRecords    int64 `json:"totalRecords"`
	TotalPages      int64 `json:"totalPages"`
	HasNextPage     bool  `json:"hasNextPage"`
	HasPreviousPage bool  `json:"hasPreviousPage"`
}

// NewPaginationInfo computes pagination from the filtered total
func NewPaginationInfo(page, pageSize int, total int64) PaginationInfo {
	var pages int64
	if pageSize > 0 {
		pages = (total + int64(pageSize) - 1) / int64(pageSize)
	}
	return PaginationInfo{
		Page:            page,
		PageSize:        pageSize,
		TotalRecords:    total,
		TotalPages:      pages,
		HasNextPage:     int64(page) < pages,
		HasPreviousPage: page > 1,
	}
}
