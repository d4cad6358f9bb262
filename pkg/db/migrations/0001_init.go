package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type Firmware struct {
	ID        string            `gorm:"type:varchar(64);primaryKey"`
	ReleaseID string            `gorm:"type:varchar(64);not null;index"`
	Status    string            `gorm:"type:text;not null;index"`
	Source    string            `gorm:"type:text;not null"`
	Version   string            `gorm:"type:text;not null"`
	Board     string            `gorm:"type:text;not null"`
	Request   datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt time.Time         `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

type FirmwareFile struct {
	ID          int64     `gorm:"type:bigserial;primaryKey"`
	FirmwareID  string    `gorm:"type:varchar(64);not null;index"`
	FilePath    string    `gorm:"type:varchar(255);not null"`
	FlashOffset int64     `gorm:"type:bigint;not null"`
	IsFirmware  bool      `gorm:"not null"`
	Digest      string    `gorm:"type:text;not null"`
	CreatedAt   time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	Firmware    Firmware  `gorm:"foreignKey:FirmwareID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func openGorm(tx *sql.Tx) (*gorm.DB, error) {
	return gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&Firmware{},
		&FirmwareFile{},
	); err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	if m.HasConstraint(&FirmwareFile{}, "Firmware") {
		return nil
	}
	return m.CreateConstraint(&FirmwareFile{}, "Firmware")
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := openGorm(tx)
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&FirmwareFile{},
		&Firmware{},
	)
}
