package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"talk-voting-backend/config"
	"talk-voting-backend/migrations"
	"talk-voting-backend/models"
)

// Open 按配置连接MySQL或SQLite，SQL日志通过slog输出
func Open(cfg config.DatabaseConfig, log *slog.Logger) (*gorm.DB, error) {
	if log == nil {
		log = slog.Default()
	}

	// 配置GORM
	gormLogger := logger.New(
		slog.NewLogLogger(log.Handler(), slog.LevelWarn),
		logger.Config{
			SlowThreshold:             time.Second, // 慢SQL阈值
			LogLevel:                  logger.Warn, // 日志级别
			IgnoreRecordNotFoundError: true,        // 忽略ErrRecordNotFound错误
			ParameterizedQueries:      true,
		},
	)

	var dialector gorm.Dialector
	switch cfg.Driver {
	case config.DriverMySQL:
		log.Info("使用MySQL数据库", "host", cfg.Host, "database", cfg.Name)
		dialector = mysql.Open(cfg.DSN())
	case config.DriverSQLite:
		log.Info("使用SQLite数据库", "path", cfg.SQLitePath)
		dialector = sqlite.Open(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取数据库连接池失败: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("数据库不可用: %w", err)
	}
	return db, nil
}

// Migrate 自动迁移模型，并为外部创建的talks表补齐评分字段
func Migrate(db *gorm.DB, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	if err := migrations.AddTalkRatingColumns(db, log); err != nil {
		return fmt.Errorf("迁移演讲评分字段失败: %w", err)
	}
	if err := db.AutoMigrate(&models.VotingSession{}, &models.Talk{}, &models.ParticipationVote{}); err != nil {
		return fmt.Errorf("迁移模型失败: %w", err)
	}
	log.Info("数据库迁移完成")
	return nil
}

// Seed 在空库中创建示例演讲，开发环境使用
func Seed(db *gorm.DB, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}

	// 检查是否已有数据
	var count int64
	if err := db.Model(&models.Talk{}).Count(&count).Error; err != nil {
		return fmt.Errorf("统计演讲失败: %w", err)
	}
	if count > 0 {
		log.Info("数据库已有演讲，跳过示例数据创建", "count", count)
		return nil
	}

	talks := []models.Talk{
		{ID: "talk-go-generics", EventID: "lt-2026-10", Title: "Go泛型实战", Speaker: "Mina"},
		{ID: "talk-redis-streams", EventID: "lt-2026-10", Title: "Redis Streams入门", Speaker: "Kenji"},
		{ID: "talk-5min-k8s", EventID: "lt-2026-10", Title: "五分钟看懂Kubernetes", Speaker: "Aiko"},
	}
	if err := db.Create(&talks).Error; err != nil {
		return fmt.Errorf("创建示例演讲失败: %w", err)
	}
	log.Info("示例数据创建成功", "count", len(talks))
	return nil
}

// Close 关闭连接池
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
