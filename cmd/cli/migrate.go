package main

import (
	"fmt"
	"log"
	"os"

	"flowcrm/internal/config"
	"flowcrm/internal/models"

	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var seedData bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long:  `Create or update the flowcrm schema, optionally seeding demo data.`,
	Run:   runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&seedData, "seed", false, "seed demo data after migrating")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) {
	cfg := config.Load()

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		dsn = fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=%s",
			cfg.Database.Host, cfg.Database.User, cfg.Database.Password,
			cfg.Database.Name, cfg.Database.Port, cfg.Database.SSLMode, cfg.Database.TimeZone)
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Info),
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Println("Starting database migration...")

	err = db.AutoMigrate(
		&models.User{},
		&models.Contact{},
		&models.Tag{},
		&models.Pipeline{},
		&models.PipelineStage{},
		&models.Deal{},
		&models.Task{},
		&models.EmailMessage{},
		&models.Sequence{},
		&models.SequenceExecution{},
		&models.Notification{},
		&models.AutomationRule{},
		&models.RuleExecution{},
		&models.ExecutionDedup{},
	)
	if err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	log.Println("Database migration completed successfully!")

	log.Println("Creating additional indexes...")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_rule_executions_rule_status ON rule_executions(rule_id, status)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_rule_executions_status_created ON rule_executions(status, created_at)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_email_messages_contact_direction ON email_messages(contact_id, direction)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_email_messages_direction_sent ON email_messages(direction, sent_at)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_deals_contact_status ON deals(contact_id, status)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_tasks_owner_status ON tasks(owner_id, status)")
	log.Println("Additional indexes created successfully!")

	if seedData {
		log.Println("Seeding demo data...")
		seedDemoData(db)
		log.Println("Demo data seeded successfully!")
	}

	log.Println("Migration process completed!")
}

func seedDemoData(db *gorm.DB) {
	var admin models.User
	if err := db.Where("username = ?", "admin").First(&admin).Error; err != nil {
		admin = models.User{
			Username: "admin",
			Email:    "admin@flowcrm.local",
			Name:     "Administrator",
		}
		db.Create(&admin)
		log.Println("Created default admin user")
	}

	var hotTag models.Tag
	if err := db.Where("name = ?", "hot-lead").First(&hotTag).Error; err != nil {
		hotTag = models.Tag{Name: "hot-lead", Color: "#e03131"}
		db.Create(&hotTag)
		log.Println("Created hot-lead tag")
	}

	var pipeline models.Pipeline
	if err := db.Where("name = ?", "Sales").First(&pipeline).Error; err != nil {
		pipeline = models.Pipeline{Name: "Sales"}
		db.Create(&pipeline)
		stages := []models.PipelineStage{
			{PipelineID: pipeline.ID, Name: "Qualified", Position: 0},
			{PipelineID: pipeline.ID, Name: "Demo", Position: 1},
			{PipelineID: pipeline.ID, Name: "Proposal", Position: 2},
			{PipelineID: pipeline.ID, Name: "Negotiation", Position: 3},
		}
		db.Create(&stages)
		log.Println("Created Sales pipeline with default stages")
	}

	var welcomeRule models.AutomationRule
	if err := db.Where("name = ?", "Tag new contacts").First(&welcomeRule).Error; err != nil {
		welcomeRule = models.AutomationRule{
			Name:          "Tag new contacts",
			TriggerType:   models.TriggerContactCreated,
			TriggerConfig: models.JSONMap{},
			ActionType:    models.ActionAddTag,
			ActionConfig:  models.JSONMap{"tagId": float64(hotTag.ID)},
			Active:        true,
			Priority:      100,
		}
		db.Create(&welcomeRule)
		log.Println("Created sample automation rule")
	}

	var scoreRule models.AutomationRule
	if err := db.Where("name = ?", "Task on hot score").First(&scoreRule).Error; err != nil {
		scoreRule = models.AutomationRule{
			Name:        "Task on hot score",
			TriggerType: models.TriggerLeadScoreChanged,
			TriggerConfig: models.JSONMap{
				"thresholdAbove": float64(70),
			},
			ActionType: models.ActionCreateTask,
			ActionConfig: models.JSONMap{
				"title":    "Call hot lead",
				"taskType": "call",
				"priority": "high",
				"dueDays":  float64(1),
			},
			Active:   true,
			Priority: 50,
		}
		db.Create(&scoreRule)
		log.Println("Created sample lead-score rule")
	}
}
