// Package importer orchestrates a file import end to end: path validation,
// format detection, parsing, and batched persistence.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/openwardrive/netatlas/internal/model"
	"github.com/openwardrive/netatlas/internal/observability"
	"github.com/openwardrive/netatlas/internal/parser"
	"github.com/openwardrive/netatlas/internal/validate"
)

// State names the phase an import is in, for progress reporting.
type State string

const (
	StateIdle      State = "idle"
	StateDetecting State = "detecting_format"
	StateParsing   State = "parsing"
	StateImporting State = "importing"
	StateComplete  State = "complete"
	StateFailed    State = "failed"
)

// Parsing accounts for the first 70% of reported progress, persistence for
// the remaining 30%.
const parseProgressShare = 0.7

// ImportError reports which phase of an import failed.
type ImportError struct {
	Stage State
	Err   error
}

func (e *ImportError) Error() string {
	return fmt.Sprintf("importer: %s: %v", e.Stage, e.Err)
}

func (e *ImportError) Unwrap() error { return e.Err }

// ProgressFunc receives phase transitions and progress within a phase.
type ProgressFunc func(state State, percent float64, message string)

// Repository is the persistence surface the importer needs.
type Repository interface {
	BatchImport(ctx context.Context, items []model.BatchItem) (model.ImportResult, error)
}

// Service runs imports against a repository.
type Service struct {
	repo      Repository
	parsers   []parser.Parser
	logger    *slog.Logger
	metrics   *observability.Metrics
	progress  ProgressFunc
	batchSize int
}

// Option configures the service.
type Option func(*Service)

// WithLogger injects a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics attaches metrics instrumentation.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Service) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

// WithProgress registers a progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(s *Service) {
		if fn != nil {
			s.progress = fn
		}
	}
}

// WithBatchSize overrides the persistence batch size.
func WithBatchSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithParsers overrides the parser set; mainly useful for tests.
func WithParsers(parsers []parser.Parser) Option {
	return func(s *Service) {
		if len(parsers) > 0 {
			s.parsers = parsers
		}
	}
}

// New constructs an import service over the repository.
func New(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		logger:    slog.Default(),
		batchSize: 1000,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.parsers == nil {
		s.parsers = parser.DefaultParsers(s.logger)
	}
	return s
}

// ImportFile ingests one capture file. A file that parses but yields no
// usable networks is an empty success, not a failure; the result carries an
// explanatory entry in Errors.
func (s *Service) ImportFile(ctx context.Context, path string) (model.ImportResult, error) {
	session := uuid.NewString()
	logger := s.logger.With(slog.String("session", session), slog.String("file", path))
	start := time.Now()

	result, format, err := s.run(ctx, logger, path)
	if err != nil {
		s.metrics.IncImportFailures()
		s.report(StateFailed, 100, err.Error())
		logger.Error("import failed", slog.Any("error", err))
		return model.ImportResult{}, err
	}

	s.metrics.IncFilesImported(format)
	s.metrics.ObserveImportDuration(time.Since(start))
	s.report(StateComplete, 100, fmt.Sprintf("imported %d new, updated %d existing networks",
		result.NetworksImported, result.NetworksUpdated))
	logger.Info("import complete",
		slog.String("format", format),
		slog.Int("imported", result.NetworksImported),
		slog.Int("updated", result.NetworksUpdated),
		slog.Int("observations", result.ObservationsAdded),
		slog.Int("errors", len(result.Errors)),
		slog.Duration("duration", time.Since(start)))
	return result, nil
}

func (s *Service) run(ctx context.Context, logger *slog.Logger, path string) (model.ImportResult, string, error) {
	if !validate.FilePath(path) {
		return model.ImportResult{}, "", &ImportError{
			Stage: StateDetecting,
			Err:   fmt.Errorf("unsafe or empty file path %q", path),
		}
	}

	s.report(StateDetecting, 0, "detecting file format")

	src, sample, err := readSource(path)
	if err != nil {
		return model.ImportResult{}, "", &ImportError{Stage: StateDetecting, Err: err}
	}

	p := parser.Detect(s.parsers, filepath.Base(path), sample)
	if p == nil {
		return model.ImportResult{}, "", &ImportError{
			Stage: StateDetecting,
			Err:   errors.New("unsupported file format"),
		}
	}
	format := p.FormatName()
	logger.Info("format detected", slog.String("format", format))

	s.report(StateParsing, 0, "parsing "+format+" file")
	parsed, err := p.Parse(ctx, src, func(percent float64, message string) {
		s.report(StateParsing, percent*parseProgressShare, message)
	})
	if err != nil {
		s.metrics.IncParseErrors(format)
		return model.ImportResult{}, "", &ImportError{Stage: StateParsing, Err: err}
	}
	s.metrics.AddRowsParsed(format, len(parsed))

	// The raw file content is no longer needed once parsing is done.
	src.Content = nil

	if len(parsed) == 0 {
		logger.Warn("no usable networks in file")
		return model.ImportResult{
			Errors: []string{"no valid networks found in file"},
		}, format, nil
	}

	s.report(StateImporting, parseProgressShare*100, "importing networks")

	var result model.ImportResult
	total := len(parsed)
	for offset := 0; offset < total; offset += s.batchSize {
		end := min(offset+s.batchSize, total)

		batch, err := s.repo.BatchImport(ctx, toBatchItems(parsed[offset:end]))
		if err != nil {
			// A failed batch is recorded and the import continues with the
			// next one.
			logger.Warn("batch failed", slog.Int("offset", offset), slog.Any("error", err))
			result.Errors = append(result.Errors, fmt.Sprintf("batch at %d: %v", offset, err))
		} else {
			result.Merge(batch)
		}

		percent := (parseProgressShare + (1-parseProgressShare)*float64(end)/float64(total)) * 100
		s.report(StateImporting, percent,
			fmt.Sprintf("imported %d of %d records", end, total))

		select {
		case <-ctx.Done():
			return model.ImportResult{}, "", ctx.Err()
		default:
		}
	}

	return result, format, nil
}

// readSource sniffs the file header and decides how much to load: SQLite
// databases are opened by path in the parser, so only the header is read;
// text formats are loaded whole.
func readSource(path string) (parser.Source, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return parser.Source{}, nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	header := make([]byte, 16)
	n, err := f.Read(header)
	if err != nil && !errors.Is(err, io.EOF) {
		return parser.Source{}, nil, fmt.Errorf("read file header: %w", err)
	}
	header = header[:n]

	if (&parser.SQLiteFile{}).CanParse(filepath.Base(path), header) {
		return parser.Source{Path: path, Content: header}, header, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return parser.Source{}, nil, fmt.Errorf("read file: %w", err)
	}
	return parser.Source{Path: path, Content: content}, content, nil
}

func toBatchItems(parsed []model.ParsedNetwork) []model.BatchItem {
	items := make([]model.BatchItem, len(parsed))
	for i, p := range parsed {
		items[i] = model.BatchItem{
			Network: model.NetworkInput{
				BSSID:      p.BSSID,
				SSID:       p.SSID,
				Encryption: p.Encryption,
				Channel:    p.Channel,
				Type:       p.Type,
			},
			Observation: model.ObservationInput{
				Latitude:       p.Latitude,
				Longitude:      p.Longitude,
				SignalStrength: p.SignalStrength,
				Timestamp:      p.Timestamp,
			},
		}
	}
	return items
}

func (s *Service) report(state State, percent float64, message string) {
	if s.progress != nil {
		s.progress(state, percent, message)
	}
}
