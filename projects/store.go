package projects

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tomassalina/koopay/ledger"
)

// ErrNotFound is returned when a project lookup matches no row.
var ErrNotFound = errors.New("projects: not found")

// Store wraps the bookkeeping database.
type Store struct {
	db *gorm.DB
}

// Open connects to the bookkeeping database. DSNs beginning with
// "postgres://" select the Postgres driver; anything else is treated as a
// sqlite path. An empty DSN opens an in-memory sqlite database, which is
// what the tests and the default dev config use.
func Open(dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		dialector = postgres.Open(dsn)
	case dsn == "":
		dialector = sqlite.Open("file::memory:?cache=shared")
	default:
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("projects: open database: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("projects: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStore wraps an already-open gorm handle. Migrations are the caller's
// responsibility.
func NewStore(db *gorm.DB) *Store { return &Store{db: db} }

// Create inserts a project and its milestones. Missing IDs are assigned.
func (s *Store) Create(p *Project) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.EngagementID == "" {
		return errors.New("projects: engagement id required")
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	for i := range p.Milestones {
		m := &p.Milestones[i]
		if m.ID == uuid.Nil {
			m.ID = uuid.New()
		}
		m.ProjectID = p.ID
		m.CreatedAt = now
		m.UpdatedAt = now
	}
	if err := s.db.Create(p).Error; err != nil {
		return fmt.Errorf("projects: create: %w", err)
	}
	return nil
}

// ByEngagement fetches a project and its milestones by engagement id.
func (s *Store) ByEngagement(engagementID string) (*Project, error) {
	var p Project
	err := s.db.Preload("Milestones").Where("engagement_id = ?", engagementID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("projects: query: %w", err)
	}
	return &p, nil
}

// SetContractID records the deployed contract id for an engagement.
func (s *Store) SetContractID(engagementID, contractID string) error {
	res := s.db.Model(&Project{}).
		Where("engagement_id = ?", engagementID).
		Updates(map[string]any{"contract_id": contractID, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("projects: set contract id: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetContractPDF records the signed contract document URL.
func (s *Store) SetContractPDF(engagementID, url string) error {
	res := s.db.Model(&Project{}).
		Where("engagement_id = ?", engagementID).
		Updates(map[string]any{"contract_pdf_url": url, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("projects: set contract pdf: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AssignFreelancer records the freelancer working the engagement.
func (s *Store) AssignFreelancer(engagementID, address string) error {
	res := s.db.Model(&Project{}).
		Where("engagement_id = ?", engagementID).
		Updates(map[string]any{"freelancer_address": address, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("projects: assign freelancer: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Enriched pairs an on-chain escrow record with its bookkeeping row, when
// one exists.
type Enriched struct {
	Record  ledger.EscrowRecord
	Project *Project
}

// Enrich joins escrow records with project rows by engagement id. Records
// with no matching project are passed through with a nil Project.
func (s *Store) Enrich(records []ledger.EscrowRecord) ([]Enriched, error) {
	ids := make([]string, 0, len(records))
	for _, r := range records {
		if r.EngagementID != "" {
			ids = append(ids, r.EngagementID)
		}
	}
	byEngagement := make(map[string]*Project, len(ids))
	if len(ids) > 0 {
		var rows []Project
		if err := s.db.Preload("Milestones").Where("engagement_id IN ?", ids).Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("projects: enrich: %w", err)
		}
		for i := range rows {
			byEngagement[rows[i].EngagementID] = &rows[i]
		}
	}
	out := make([]Enriched, len(records))
	for i, r := range records {
		out[i] = Enriched{Record: r, Project: byEngagement[r.EngagementID]}
	}
	return out, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
