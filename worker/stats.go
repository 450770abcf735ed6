package worker

import "time"

// Worker status values surfaced by stats snapshots.
const (
	StatusActive    = "ACTIVE"
	StatusIdle      = "IDLE"
	StatusOffline   = "OFFLINE"
	StatusEphemeral = "EPHEMERAL"
)

// Stats is the per-key counter snapshot returned by Pool.WorkerStats. For
// live workers the counters are the instance's own; for offline keys they
// are the accumulated historical totals; when both exist, live counters are
// added on top of the historical ones.
type Stats struct {
	Status              string    `json:"status"`
	RequestCount        int64     `json:"requestCount"`
	ErrorCount          int64     `json:"errorCount"`
	TotalResponseTimeMs int64     `json:"totalResponseTimeMs"`
	AvgResponseTimeMs   float64   `json:"avgResponseTimeMs"`
	CreatedAt           time.Time `json:"createdAt,omitempty"`
	LastUsedAt          time.Time `json:"lastUsedAt,omitempty"`

	// Ephemeral session counters; zero for persistent workers.
	LastRequestCount   int64 `json:"lastRequestCount,omitempty"`
	LastResponseTimeMs int64 `json:"lastResponseTimeMs,omitempty"`
}

// avg computes the presentational average without mutating the accumulator.
func avg(totalMs, count int64) float64 {
	if count == 0 {
		return 0
	}
	return float64(totalMs) / float64(count)
}

// RequestKind classifies a request by its Sec-Fetch-Dest header for
// ephemeral session accounting.
type RequestKind int

const (
	// KindDocument is a top-level navigation; it opens a new session.
	KindDocument RequestKind = iota

	// KindAPI is a programmatic call; it also opens a new session. A
	// missing Sec-Fetch-Dest header lands here, which conflates
	// header-less clients with real API calls; kept for parity with the
	// session accounting this mirrors.
	KindAPI

	// KindAsset is any other destination (script, style, image, ...);
	// assets accumulate into the current session.
	KindAsset
)

// ClassifyRequest maps a Sec-Fetch-Dest header value to a RequestKind.
func ClassifyRequest(secFetchDest string) RequestKind {
	switch secFetchDest {
	case "document":
		return KindDocument
	case "empty", "":
		return KindAPI
	default:
		return KindAsset
	}
}

// NewSession reports whether this kind starts a new ephemeral session.
func (k RequestKind) NewSession() bool {
	return k == KindDocument || k == KindAPI
}

// String returns the lower-case kind name.
func (k RequestKind) String() string {
	switch k {
	case KindDocument:
		return "document"
	case KindAPI:
		return "api"
	default:
		return "asset"
	}
}
