// Package projects persists the off-chain bookkeeping the dashboard joins
// with on-chain escrow state: who a project is assigned to, the contract
// PDF, and the milestone descriptions as the client entered them.
package projects

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Project is the business-side record of an engagement. EngagementID links
// it to the escrow deployed for it; ContractID is filled in after a
// successful deploy.
type Project struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	EngagementID      string    `gorm:"uniqueIndex;size:64"`
	ContractID        string    `gorm:"index;size:128"`
	Title             string    `gorm:"size:256"`
	Description       string
	ClientAddress     string `gorm:"index;size:128"`
	FreelancerAddress string `gorm:"index;size:128"`
	ContractPDFURL    string `gorm:"size:512"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
	Milestones        []ProjectMilestone
}

// ProjectMilestone mirrors one milestone's business metadata.
type ProjectMilestone struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	ProjectID   uuid.UUID `gorm:"type:uuid;index"`
	Index       int       `gorm:"index"`
	Description string
	Amount      string `gorm:"size:64"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AutoMigrate performs all schema migrations for the bookkeeping store.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Project{},
		&ProjectMilestone{},
	)
}
