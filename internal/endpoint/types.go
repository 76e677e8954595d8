package endpoint

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/livinlefevreloca/apisync/internal/auth"
)

// Params holds request parameters for one call, usually a pagination cursor
// or a date range. A nil Params means "use the endpoint default".
type Params map[string]any

// Clone returns a shallow copy. Nil stays nil.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Int reads an integer parameter from any numeric representation. Values
// that went through a JSON round trip come back as float64.
func (p Params) Int(key string, def int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Request is what the fetch layer executes for one endpoint call.
type Request struct {
	Method string
	Path   string
	Params Params

	// MockKey names the recorded response used when mock replay is enabled.
	MockKey string
}

// RequestOverrides carries per-call values that replace the endpoint's
// defaults for a single request. The endpoint itself is never modified.
type RequestOverrides struct {
	Params Params
}

// Base holds the fields shared by every primary endpoint.
type Base struct {
	// Endpoint is the stable key used by the queue and the request path
	// relative to the integration's base URL.
	Endpoint string
	DirName  string
	Method   string

	// DefaultParams returns the parameters used when a run item carries none.
	DefaultParams func() Params

	// Delay is the standard poll interval.
	Delay time.Duration

	// Transform extracts the useful payload from the decoded response body.
	Transform func(data any) (any, error)
}

// Primary is implemented by SnapshotEndpoint and TimeBoundEndpoint only.
type Primary interface {
	base() *Base
}

// SnapshotEndpoint returns one point-in-time artifact per call.
type SnapshotEndpoint struct {
	Base
}

func (e *SnapshotEndpoint) base() *Base { return &e.Base }

// TimeBoundEndpoint returns a list of records that are partitioned by day.
type TimeBoundEndpoint struct {
	Base

	// DayKey derives the day bucket ("2006-01-02") for one record.
	DayKey func(record map[string]any) (string, error)

	// NextParams computes the next historic page from the current params.
	NextParams func(current Params) Params

	// HistoricParams returns the params that start a fresh backfill sweep.
	HistoricParams func() Params

	// PageDelay separates consecutive historic pages. Zero falls back to Delay.
	PageDelay time.Duration
}

func (e *TimeBoundEndpoint) base() *Base { return &e.Base }

// SecondaryEndpoint fans out once per entity returned by a primary endpoint.
type SecondaryEndpoint struct {
	// Primary is the Endpoint key whose data supplies the entities.
	Primary string
	DirName string
	Method  string

	Path       func(entity any) (string, error)
	Identifier func(entity any) (string, error)
	Transform  func(data any) (any, error)
}

// Integration describes one third-party API.
type Integration struct {
	Name    string
	BaseURL string

	// HistoricDelay is how long an exhausted backfill waits before a new sweep.
	HistoricDelay time.Duration

	// Tokens may be nil for APIs without bearer auth.
	Tokens auth.TokenSource

	// Header holds static headers sent with every request.
	Header http.Header

	Primary   []Primary
	Secondary []SecondaryEndpoint
}

// Name returns the queue key of a primary endpoint.
func Name(p Primary) string { return p.base().Endpoint }

// Dir returns the output directory of a primary endpoint.
func Dir(p Primary) string { return p.base().DirName }

// Delay returns the standard poll interval of a primary endpoint.
func Delay(p Primary) time.Duration { return p.base().Delay }

// Transform applies the endpoint's response transform, if any.
func Transform(p Primary, data any) (any, error) {
	if fn := p.base().Transform; fn != nil {
		return fn(data)
	}
	return data, nil
}

// BuildRequest resolves the request for one call. Override params win over
// the endpoint defaults.
func BuildRequest(p Primary, ov RequestOverrides) Request {
	b := p.base()
	method := b.Method
	if method == "" {
		method = http.MethodGet
	}

	params := ov.Params.Clone()
	if params == nil && b.DefaultParams != nil {
		params = b.DefaultParams()
	}

	return Request{
		Method:  method,
		Path:    b.Endpoint,
		Params:  params,
		MockKey: b.DirName,
	}
}

// InitialHistoricParams returns the params that restart a backfill sweep:
// the endpoint's historic params, else its defaults, else an empty set.
func InitialHistoricParams(p Primary) Params {
	if tb, ok := p.(*TimeBoundEndpoint); ok && tb.HistoricParams != nil {
		return tb.HistoricParams()
	}
	if fn := p.base().DefaultParams; fn != nil {
		if params := fn(); params != nil {
			return params
		}
	}
	return Params{}
}

// Lookup indexes the integration's primary endpoints by key.
func (i *Integration) Lookup() map[string]Primary {
	out := make(map[string]Primary, len(i.Primary))
	for _, p := range i.Primary {
		out[Name(p)] = p
	}
	return out
}

// Validate checks the integration for duplicate or empty endpoint keys and
// secondaries that reference unknown primaries.
func (i *Integration) Validate() error {
	if i.Name == "" {
		return fmt.Errorf("integration name must be specified")
	}
	seen := make(map[string]bool, len(i.Primary))
	for _, p := range i.Primary {
		b := p.base()
		if b.Endpoint == "" {
			return fmt.Errorf("%s: endpoint key must be specified", i.Name)
		}
		if seen[b.Endpoint] {
			return fmt.Errorf("%s: duplicate endpoint %q", i.Name, b.Endpoint)
		}
		if b.DirName == "" {
			return fmt.Errorf("%s: endpoint %q has no directory", i.Name, b.Endpoint)
		}
		if b.Delay <= 0 {
			return fmt.Errorf("%s: endpoint %q delay must be positive", i.Name, b.Endpoint)
		}
		if tb, ok := p.(*TimeBoundEndpoint); ok && tb.DayKey == nil {
			return fmt.Errorf("%s: time-bound endpoint %q has no day key", i.Name, b.Endpoint)
		}
		seen[b.Endpoint] = true
	}
	for _, s := range i.Secondary {
		if !seen[s.Primary] {
			return fmt.Errorf("%s: secondary endpoint %q references unknown primary %q", i.Name, s.DirName, s.Primary)
		}
		if s.Path == nil || s.Identifier == nil {
			return fmt.Errorf("%s: secondary endpoint %q needs a path and identifier", i.Name, s.DirName)
		}
	}
	return nil
}
