package migrations

import (
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	"talk-voting-backend/models"
)

// talkRatingFields 评分汇总写入的演讲字段
var talkRatingFields = []string{"AverageRating", "TotalVotes", "LastVotingResults"}

// AddTalkRatingColumns 为已存在的talks表补齐评分汇总字段
// talks表可能由活动管理系统创建，此时AutoMigrate不会被执行
func AddTalkRatingColumns(db *gorm.DB, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	m := db.Migrator()
	if !m.HasTable(&models.Talk{}) {
		logger.Info("迁移跳过: talks表不存在")
		return nil
	}

	for _, field := range talkRatingFields {
		if m.HasColumn(&models.Talk{}, field) {
			continue
		}
		if err := m.AddColumn(&models.Talk{}, field); err != nil {
			return fmt.Errorf("add talks.%s: %w", field, err)
		}
		logger.Info("迁移成功: 已添加演讲评分字段", "field", field)
	}
	return nil
}
