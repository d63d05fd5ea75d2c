// Package config holds the run configuration surface: the user-facing
// options, their defaults and validation, the authorization header
// precedence, and the region/kind endpoint table.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/evtstream/mixetl/pkg/record"
)

// Region selects the ingest cluster.
type Region string

const (
	RegionUS Region = "us"
	RegionEU Region = "eu"
	RegionIN Region = "in"
)

const (
	DefaultWorkers          = 10
	DefaultRecordsPerBatch  = 2000
	DefaultBytesPerBatch    = 10 * 1024 * 1024
	DefaultMaxRetries       = 10
	DefaultCompressionLevel = gzip.DefaultCompression

	// MaxRecordsPerBatch is the hard API-side cap for event, user and group
	// batches; larger configured values are clamped.
	MaxRecordsPerBatch = 2000

	// TransportWorkerWarning is the worker count past which the default
	// transport's connection pool becomes the bottleneck.
	TransportWorkerWarning = 30
)

// ComboRule is a composite key+value allow/deny rule over event properties.
type ComboRule struct {
	Key    string `json:"key"`
	Values []any  `json:"values"`
}

// Progress is the snapshot handed to the caller's progress callback. The
// engine invokes the callback at most once per batch and does not await it.
type Progress struct {
	Kind           string  `json:"kind"`
	Processed      int64   `json:"processed"`
	Requests       int64   `json:"requests"`
	EPS            float64 `json:"eps"`
	MemoryBytes    int64   `json:"memory_bytes"`
	BytesProcessed int64   `json:"bytes_processed"`
}

// ParseErrorHandler is invoked on a per-record decode failure. It may return
// a substitute record (vendor exports with double-escaped lines get a second
// chance here) or nil to drop the line.
type ParseErrorHandler func(line []byte, err error) map[string]any

// Options is the full run configuration. Exported fields are the user
// surface; unexported fields are derived by Validate.
type Options struct {
	RecordType   string `json:"recordType" yaml:"recordType"`
	Region       string `json:"region,omitempty" yaml:"region"`
	StreamFormat string `json:"streamFormat,omitempty" yaml:"streamFormat"` // inferred from extension when empty

	// Credentials, in descending precedence. See AuthHeader.
	ServiceAcct string `json:"acct,omitempty" yaml:"acct"`
	ServicePass string `json:"pass,omitempty" yaml:"pass"`
	ProjectID   string `json:"project,omitempty" yaml:"project"`
	Secret      string `json:"secret,omitempty" yaml:"secret"`
	Token       string `json:"token,omitempty" yaml:"token"`
	Bearer      string `json:"bearer,omitempty" yaml:"bearer"`

	LookupTableID string `json:"lookupTableId,omitempty" yaml:"lookupTableId"`
	GroupKey      string `json:"groupKey,omitempty" yaml:"groupKey"`

	Workers          int `json:"workers,omitempty" yaml:"workers"`
	RecordsPerBatch  int `json:"recordsPerBatch,omitempty" yaml:"recordsPerBatch"`
	BytesPerBatch    int `json:"bytesPerBatch,omitempty" yaml:"bytesPerBatch"` // bounds the encoded record payload; the 2 bytes of array framing ride above it
	MaxRetries       int `json:"maxRetries,omitempty" yaml:"maxRetries"`
	CompressionLevel int `json:"compressionLevel,omitempty" yaml:"compressionLevel"`
	HighWater        int `json:"highWater,omitempty" yaml:"highWater"` // bound on in-flight objects between stages

	Compress       bool `json:"compress,omitempty" yaml:"compress"`
	Strict         bool `json:"strict,omitempty" yaml:"strict"`
	FixData        bool `json:"fixData,omitempty" yaml:"fixData"`
	FixTime        bool `json:"fixTime,omitempty" yaml:"fixTime"`
	FixJSON        bool `json:"fixJson,omitempty" yaml:"fixJson"`
	RemoveNulls    bool `json:"removeNulls,omitempty" yaml:"removeNulls"`
	FlattenData    bool `json:"flattenData,omitempty" yaml:"flattenData"`
	Dedupe         bool `json:"dedupe,omitempty" yaml:"dedupe"`
	AddToken       bool `json:"addToken,omitempty" yaml:"addToken"`
	ForceStream    bool `json:"forceStream,omitempty" yaml:"forceStream"`
	ForceGzip      bool `json:"forceGzip,omitempty" yaml:"forceGzip"`
	Abridged       bool `json:"abridged,omitempty" yaml:"abridged"`
	V2Compat       bool `json:"v2_compat,omitempty" yaml:"v2_compat"`
	KeepBadRecords bool `json:"keepBadRecords,omitempty" yaml:"keepBadRecords"`
	DryRun         bool `json:"dryRun,omitempty" yaml:"dryRun"`

	EpochStart int64 `json:"epochStart,omitempty" yaml:"epochStart"` // unix seconds, inclusive
	EpochEnd   int64 `json:"epochEnd,omitempty" yaml:"epochEnd"`     // unix seconds, inclusive
	TimeOffset int   `json:"timeOffset,omitempty" yaml:"timeOffset"` // hours

	Tags          map[string]any    `json:"tags,omitempty" yaml:"tags"`
	Aliases       map[string]string `json:"aliases,omitempty" yaml:"aliases"`
	ScrubProps    []string          `json:"scrubProps,omitempty" yaml:"scrubProps"`
	DropColumns   []string          `json:"dropColumns,omitempty" yaml:"dropColumns"`
	InsertIDTuple []string          `json:"insertIdTuple,omitempty" yaml:"insertIdTuple"`

	EventWhitelist   []string    `json:"eventWhitelist,omitempty" yaml:"eventWhitelist"`
	EventBlacklist   []string    `json:"eventBlacklist,omitempty" yaml:"eventBlacklist"`
	PropKeyWhitelist []string    `json:"propKeyWhitelist,omitempty" yaml:"propKeyWhitelist"`
	PropKeyBlacklist []string    `json:"propKeyBlacklist,omitempty" yaml:"propKeyBlacklist"`
	PropValWhitelist []any       `json:"propValWhitelist,omitempty" yaml:"propValWhitelist"`
	PropValBlacklist []any       `json:"propValBlacklist,omitempty" yaml:"propValBlacklist"`
	ComboWhiteList   []ComboRule `json:"comboWhiteList,omitempty" yaml:"comboWhiteList"`
	ComboBlackList   []ComboRule `json:"comboBlackList,omitempty" yaml:"comboBlackList"`

	Vendor     string         `json:"vendor,omitempty" yaml:"vendor"`
	VendorOpts map[string]any `json:"vendorOpts,omitempty" yaml:"vendorOpts"`

	// TransformFunc is a caller-supplied per-record stage, inserted after the
	// built-in normalizers and before batching. Returning nil skips the
	// record.
	TransformFunc func(map[string]any) map[string]any `json:"-" yaml:"-"`

	// ParseError substitutes records on decode failure. Optional.
	ParseError ParseErrorHandler `json:"-" yaml:"-"`

	// OnProgress receives periodic run snapshots. Optional.
	OnProgress func(Progress) `json:"-" yaml:"-"`

	// Metrics, when set, receives the run's counters as Prometheus
	// counters tagged with the run id.
	Metrics prometheus.Registerer `json:"-" yaml:"-"`

	// Destination: when set, the normalized record stream is written here
	// (local path or s3:// / gs:// prefix) in addition to — or with DryRun,
	// instead of — the ingest API.
	OutputPath string `json:"outputPath,omitempty" yaml:"outputPath"`

	ThrottlePauseMB     int `json:"throttlePauseMB,omitempty" yaml:"throttlePauseMB"`
	ThrottleResumeMB    int `json:"throttleResumeMB,omitempty" yaml:"throttleResumeMB"`
	ThrottleMaxBufferMB int `json:"throttleMaxBufferMB,omitempty" yaml:"throttleMaxBufferMB"` // clamps highWater so buffered batches stay under this

	// Object-store session configuration for s3:// and gs:// sources.
	CloudAccessKeyID string `json:"cloudAccessKeyId,omitempty" yaml:"cloudAccessKeyId"`
	CloudSecretKey   string `json:"cloudSecretKey,omitempty" yaml:"cloudSecretKey"`
	CloudRegion      string `json:"cloudRegion,omitempty" yaml:"cloudRegion"`
	CloudEndpoint    string `json:"cloudEndpoint,omitempty" yaml:"cloudEndpoint"` // MinIO-style override for the object store

	// EndpointOverride points every request at a fixed base URL. Used for
	// MinIO-style local stacks and tests.
	EndpointOverride string `json:"endpointOverride,omitempty" yaml:"endpointOverride"`

	kind       record.Kind
	region     Region
	authHeader string
	warnings   []string
	validated  bool
}

var (
	ErrMissingCredentials = errors.New("missing credentials for record type")
	ErrBadRegion          = errors.New("unrecognized region")
	ErrBadRecordType      = errors.New("unrecognized record type")
	ErrBadFormat          = errors.New("unsupported stream format")
	ErrThrottleHysteresis = errors.New("throttlePauseMB must exceed throttleResumeMB")
)

var validFormats = map[string]struct{}{
	"": {}, "jsonl": {}, "ndjson": {}, "json": {}, "csv": {}, "tsv": {}, "parquet": {},
}

var validKinds = map[string]record.Kind{
	"event":                  record.KindEvent,
	"user":                   record.KindUser,
	"group":                  record.KindGroup,
	"table":                  record.KindTable,
	"scd":                    record.KindSCD,
	"export":                 record.KindExport,
	"profile-export":         record.KindProfileExport,
	"export-import-events":   record.KindExportEvents,
	"export-import-profiles": record.KindExportProfiles,
}

// Validate fills defaults, resolves the record kind, region, and auth
// header, and rejects configurations the run cannot start with. It is
// idempotent and must be called before any derived accessor.
func (o *Options) Validate() error {
	o.warnings = o.warnings[:0]

	kind, ok := validKinds[o.RecordType]
	if !ok {
		if o.RecordType == "" {
			kind = record.KindEvent
		} else {
			return fmt.Errorf("%w: %q", ErrBadRecordType, o.RecordType)
		}
	}
	o.kind = kind

	switch Region(o.Region) {
	case "", RegionUS:
		o.region = RegionUS
	case RegionEU:
		o.region = RegionEU
	case RegionIN:
		o.region = RegionIN
	default:
		return fmt.Errorf("%w: %q", ErrBadRegion, o.Region)
	}

	if _, ok := validFormats[o.StreamFormat]; !ok {
		return fmt.Errorf("%w: %q", ErrBadFormat, o.StreamFormat)
	}

	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.Workers > TransportWorkerWarning {
		o.warnings = append(o.warnings, fmt.Sprintf("workers=%d exceeds the default transport's connection pool; expect head-of-line blocking", o.Workers))
	}
	if o.RecordsPerBatch <= 0 {
		o.RecordsPerBatch = DefaultRecordsPerBatch
	}
	if o.RecordsPerBatch > MaxRecordsPerBatch && (kind == record.KindEvent || kind.IsProfile()) {
		o.warnings = append(o.warnings, fmt.Sprintf("recordsPerBatch=%d clamped to %d for %s records", o.RecordsPerBatch, MaxRecordsPerBatch, kind))
		o.RecordsPerBatch = MaxRecordsPerBatch
	}
	if o.BytesPerBatch <= 0 {
		o.BytesPerBatch = DefaultBytesPerBatch
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.CompressionLevel == 0 {
		o.CompressionLevel = DefaultCompressionLevel
	}
	if o.HighWater <= 0 {
		o.HighWater = o.Workers * 5
		if o.HighWater > 100 {
			o.HighWater = 100
		}
	}
	if o.ThrottleMaxBufferMB > 0 {
		// Worst case every in-flight slot holds a full batch.
		maxInFlight := (o.ThrottleMaxBufferMB << 20) / o.BytesPerBatch
		if maxInFlight < 1 {
			maxInFlight = 1
		}
		if o.HighWater > maxInFlight {
			o.warnings = append(o.warnings, fmt.Sprintf("highWater=%d clamped to %d by throttleMaxBufferMB=%d", o.HighWater, maxInFlight, o.ThrottleMaxBufferMB))
			o.HighWater = maxInFlight
		}
	}

	if o.ThrottlePauseMB > 0 || o.ThrottleResumeMB > 0 {
		if o.ThrottlePauseMB <= o.ThrottleResumeMB {
			return ErrThrottleHysteresis
		}
	}

	if o.LookupTableID == "" && kind == record.KindTable {
		return errors.New("lookupTableId is required for table records")
	}

	header, err := o.resolveAuthHeader()
	if err != nil {
		return err
	}
	o.authHeader = header
	o.validated = true
	return nil
}

// resolveAuthHeader applies the strict credential precedence: service
// account, then API secret, then project token, then bearer. Profile-kind
// runs may proceed unauthenticated (the token rides on each record).
func (o *Options) resolveAuthHeader() (string, error) {
	switch {
	case o.ServiceAcct != "" && o.ServicePass != "" && o.ProjectID != "":
		return "Basic " + base64.StdEncoding.EncodeToString([]byte(o.ServiceAcct+":"+o.ServicePass)), nil
	case o.Secret != "":
		return "Basic " + base64.StdEncoding.EncodeToString([]byte(o.Secret+":")), nil
	case o.Token != "":
		return "Basic " + base64.StdEncoding.EncodeToString([]byte(o.Token+":")), nil
	case o.Bearer != "":
		return "Bearer " + o.Bearer, nil
	case o.kind.IsProfile():
		return "", nil
	case o.DryRun:
		return "", nil
	default:
		return "", fmt.Errorf("%w %q", ErrMissingCredentials, o.kind)
	}
}

// Kind returns the resolved record kind. Valid after Validate.
func (o *Options) Kind() record.Kind { return o.kind }

// ResolvedRegion returns the resolved region. Valid after Validate.
func (o *Options) ResolvedRegion() Region { return o.region }

// AuthHeader returns the precomputed Authorization header value, possibly
// empty for unauthenticated profile runs.
func (o *Options) AuthHeader() string { return o.authHeader }

// Warnings returns startup warnings accumulated by Validate.
func (o *Options) Warnings() []string { return o.warnings }
