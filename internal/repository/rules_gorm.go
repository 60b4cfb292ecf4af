package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/GoPolymarket/fraudgate/internal/model"
)

// ruleRow 规则目录表，params 以 JSON 存储
type ruleRow struct {
	ID          string           `gorm:"primaryKey;size:64"`
	Category    string           `gorm:"size:16;not null;index"`
	Tier        string           `gorm:"size:16;not null"`
	Weight      float64          `gorm:"not null"`
	Priority    int              `gorm:"not null"`
	Active      bool             `gorm:"not null"`
	Description string           `gorm:"type:text"`
	Params      model.RuleParams `gorm:"type:jsonb;serializer:json"`
	UpdatedAt   time.Time
}

func (ruleRow) TableName() string { return "rule_definitions" }

func (r ruleRow) toDomain() model.RuleDefinition {
	return model.RuleDefinition{
		ID:          r.ID,
		Category:    model.RuleCategory(r.Category),
		Tier:        model.RuleTier(r.Tier),
		Weight:      r.Weight,
		Priority:    r.Priority,
		Active:      r.Active,
		Description: r.Description,
		Params:      r.Params,
	}
}

func fromDomain(d model.RuleDefinition) ruleRow {
	return ruleRow{
		ID:          d.ID,
		Category:    string(d.Category),
		Tier:        string(d.Tier),
		Weight:      d.Weight,
		Priority:    d.Priority,
		Active:      d.Active,
		Description: d.Description,
		Params:      d.Params,
	}
}

// GormRuleStore is the external rule catalog. It satisfies rules.CatalogSource.
type GormRuleStore struct {
	db *gorm.DB
}

func OpenGormRuleStore(dsn string) (*GormRuleStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open rule catalog db: %w", err)
	}
	return NewGormRuleStore(db)
}

func NewGormRuleStore(db *gorm.DB) (*GormRuleStore, error) {
	if err := db.AutoMigrate(&ruleRow{}); err != nil {
		return nil, fmt.Errorf("migrate rule catalog: %w", err)
	}
	return &GormRuleStore{db: db}, nil
}

func (s *GormRuleStore) Load(ctx context.Context) ([]model.RuleDefinition, error) {
	var rows []ruleRow
	if err := s.db.WithContext(ctx).Order("priority, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	defs := make([]model.RuleDefinition, 0, len(rows))
	for _, r := range rows {
		defs = append(defs, r.toDomain())
	}
	return defs, nil
}

// Seed inserts definitions that are not present yet; existing rows keep any
// operator edits.
func (s *GormRuleStore) Seed(ctx context.Context, defs []model.RuleDefinition) error {
	if len(defs) == 0 {
		return nil
	}
	rows := make([]ruleRow, 0, len(defs))
	for _, d := range defs {
		rows = append(rows, fromDomain(d))
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

// Upsert replaces one definition.
func (s *GormRuleStore) Upsert(ctx context.Context, d model.RuleDefinition) error {
	row := fromDomain(d)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

func (s *GormRuleStore) SetActive(ctx context.Context, id string, active bool) error {
	res := s.db.WithContext(ctx).Model(&ruleRow{}).Where("id = ?", id).Update("active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
