// Package model defines shared types for the proxy.
package model

import (
	"net/url"
)

// CacheStatus reports how a response was produced.
type CacheStatus string

const (
	CacheHit   CacheStatus = "HIT"
	CacheStale CacheStatus = "STALE"
	CacheMiss  CacheStatus = "MISS"
)

// ProxyRequest is an inbound photo search to be answered from cache or upstream.
type ProxyRequest struct {
	Method string
	Query  url.Values
}

// ProxyResponse is a fully buffered upstream (or cached) response.
type ProxyResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
	Cache       CacheStatus
}
