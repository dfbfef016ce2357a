package service

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/session-reg-api/internal/models"
	"github.com/noah-isme/session-reg-api/pkg/export"
	"github.com/noah-isme/session-reg-api/pkg/storage"
)

type rosterSource interface {
	ListBySession(ctx context.Context, sessionID string) ([]models.RegistrationDetail, error)
}

type fileStorage interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
	Delete(filename string) error
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

// ExportConfig tunes export behaviour.
type ExportConfig struct {
	APIPrefix string
	ResultTTL time.Duration
}

// ExportResult captures successful generation metadata.
type ExportResult struct {
	RelativePath string
	Token        string
	URL          string
	Format       models.ReportFormat
	ExpiresAt    time.Time
}

// ExportService builds roster datasets and persists rendered files.
type ExportService struct {
	roster   rosterSource
	sessions sessionReader
	storage  fileStorage
	csv      csvRenderer
	pdf      pdfRenderer
	signer   *storage.SignedURLSigner
	logger   *zap.Logger
	cfg      ExportConfig
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, title string) ([]byte, error)
}

// NewExportService constructs an ExportService.
func NewExportService(roster rosterSource, sessions sessionReader, storage fileStorage, signer *storage.SignedURLSigner, cfg ExportConfig, logger *zap.Logger, csv csvRenderer, pdf pdfRenderer) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &ExportService{
		roster:   roster,
		sessions: sessions,
		storage:  storage,
		csv:      csv,
		pdf:      pdf,
		signer:   signer,
		logger:   logger,
		cfg:      cfg,
	}
}

// Generate builds the dataset according to the job definition and stores
// the rendered export.
func (s *ExportService) Generate(ctx context.Context, job *models.ReportJob) (*ExportResult, error) {
	if job == nil {
		return nil, fmt.Errorf("job nil")
	}
	dataset, title, err := s.buildDataset(ctx, job)
	if err != nil {
		return nil, err
	}

	var payload []byte
	switch job.Params.Format {
	case models.ReportFormatCSV:
		payload, err = s.csv.Render(dataset)
	case models.ReportFormatPDF:
		payload, err = s.pdf.Render(dataset, title)
	default:
		err = fmt.Errorf("unsupported format %s", job.Params.Format)
	}
	if err != nil {
		return nil, err
	}

	filename := s.buildFilename(job)
	relPath, err := s.storage.Save(filename, payload)
	if err != nil {
		return nil, err
	}

	token, expiresAt, err := s.signer.Generate(job.ID, relPath)
	if err != nil {
		return nil, err
	}
	signedURL := strings.TrimRight(s.cfg.APIPrefix, "/")
	if signedURL == "" {
		signedURL = "/api/v1"
	}
	signedURL = fmt.Sprintf("%s/export/%s", signedURL, token)

	return &ExportResult{
		RelativePath: relPath,
		Token:        token,
		URL:          signedURL,
		Format:       job.Params.Format,
		ExpiresAt:    expiresAt,
	}, nil
}

// ParseToken validates download token metadata.
func (s *ExportService) ParseToken(token string, allowExpired bool) (jobID, relPath string, expiresAt time.Time, err error) {
	return s.signer.Parse(token, allowExpired)
}

// Open returns a handle to the stored file.
func (s *ExportService) Open(relPath string) (*os.File, error) {
	return s.storage.Open(relPath)
}

// Delete removes a stored export file.
func (s *ExportService) Delete(relPath string) error {
	return s.storage.Delete(relPath)
}

// Cleanup removes files older than ttl (defaults to configured ResultTTL when ttl <= 0).
func (s *ExportService) Cleanup(ttl time.Duration) ([]string, error) {
	if ttl <= 0 {
		ttl = s.cfg.ResultTTL
	}
	return s.storage.CleanupOlderThan(ttl)
}

func (s *ExportService) buildFilename(job *models.ReportJob) string {
	timestamp := time.Now().UTC().Format("20060102_150405")
	sessionPart := sanitizeFilename(job.Params.SessionID)
	name := fmt.Sprintf("%s_%s_%s.%s", strings.ToLower(string(job.Type)), sessionPart, timestamp, job.Params.Format)
	return name
}

func sanitizeFilename(raw string) string {
	if raw == "" {
		return "na"
	}
	replacer := strings.NewReplacer(" ", "_", "/", "-", "\\", "-", ":", "-", "..", ".", "__", "_")
	result := replacer.Replace(raw)
	if len(result) > 100 {
		return result[:100]
	}
	return result
}

func (s *ExportService) buildDataset(ctx context.Context, job *models.ReportJob) (export.Dataset, string, error) {
	session, err := s.sessions.FindByID(ctx, job.Params.SessionID)
	if err != nil {
		return export.Dataset{}, "", fmt.Errorf("load session: %w", err)
	}
	roster, err := s.roster.ListBySession(ctx, session.ID)
	if err != nil {
		return export.Dataset{}, "", fmt.Errorf("load roster: %w", err)
	}
	switch job.Type {
	case models.ReportTypeRoster:
		return buildRosterDataset(session, roster)
	case models.ReportTypeWaitlist:
		return buildWaitlistDataset(session, roster)
	case models.ReportTypeAttendance:
		return buildAttendanceDataset(session, roster)
	default:
		return export.Dataset{}, "", fmt.Errorf("unsupported report type %s", job.Type)
	}
}

func buildRosterDataset(session *models.Session, roster []models.RegistrationDetail) (export.Dataset, string, error) {
	rows := make([]map[string]string, 0, len(roster))
	for _, entry := range roster {
		rows = append(rows, map[string]string{
			"Name":          entry.UserFullName,
			"Email":         entry.UserEmail,
			"Category":      string(entry.UserCategory),
			"Status":        string(entry.Status),
			"Waitlist Rank": formatRank(entry.WaitlistRank),
			"Registered At": entry.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	dataset := export.Dataset{
		Headers: []string{"Name", "Email", "Category", "Status", "Waitlist Rank", "Registered At"},
		Rows:    rows,
	}
	title := fmt.Sprintf("Roster %s", session.Name)
	return dataset, title, nil
}

func buildWaitlistDataset(session *models.Session, roster []models.RegistrationDetail) (export.Dataset, string, error) {
	rows := make([]map[string]string, 0, len(roster))
	for _, entry := range roster {
		if entry.Status != models.RegistrationWaitlisted {
			continue
		}
		rows = append(rows, map[string]string{
			"Rank":      formatRank(entry.WaitlistRank),
			"Name":      entry.UserFullName,
			"Email":     entry.UserEmail,
			"Category":  string(entry.UserCategory),
			"Queued At": entry.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	dataset := export.Dataset{
		Headers: []string{"Rank", "Name", "Email", "Category", "Queued At"},
		Rows:    rows,
	}
	title := fmt.Sprintf("Waitlist %s", session.Name)
	return dataset, title, nil
}

func buildAttendanceDataset(session *models.Session, roster []models.RegistrationDetail) (export.Dataset, string, error) {
	rows := make([]map[string]string, 0, len(roster))
	for _, entry := range roster {
		if entry.Status != models.RegistrationEnrolled {
			continue
		}
		rows = append(rows, map[string]string{
			"Name":       entry.UserFullName,
			"Email":      entry.UserEmail,
			"Attendance": string(entry.Attendance),
		})
	}
	dataset := export.Dataset{
		Headers: []string{"Name", "Email", "Attendance"},
		Rows:    rows,
	}
	title := fmt.Sprintf("Attendance %s", session.Name)
	return dataset, title, nil
}

func formatRank(rank *int64) string {
	if rank == nil {
		return ""
	}
	return fmt.Sprintf("%d", *rank)
}
