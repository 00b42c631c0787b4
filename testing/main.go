package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/simpleframeworks/cronsd/models"
	"github.com/simpleframeworks/logc"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlserver"
	"gorm.io/gorm"
)

// The main purpose of this is to set up and clean the database used by the package tests.
// Run it with the same CRONSD_DB and CRONSD_<PG|MY|MS>_* variables as the tests.

func main() {
	logger := setupLogging(logrus.DebugLevel)

	logger.Debug("Connecting to DB")
	db := setupDB(logger)
	if db == nil {
		logger.Info("CRONSD_DB is not set to a server, the tests use in-memory SQLite")
		return
	}

	logger.Debug("Auto Migrate DB")
	panicErr(db.AutoMigrate(models.All()...))

	tx := db.Session(&gorm.Session{
		AllowGlobalUpdate: true,
	})

	logger.Debug("Cleaning up")
	for _, model := range models.All() {
		panicErr(tx.Delete(model).Error)
	}
}

func dbToUse() string {
	return strings.ToLower(strings.TrimSpace(os.Getenv("CRONSD_DB")))
}

// setupDB .
func setupDB(logger logc.Logger) *gorm.DB {
	var dialector gorm.Dialector
	switch dbToUse() {
	case "postgres":
		dialector = postgres.Open(fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
			os.Getenv("CRONSD_PG_HOST"), os.Getenv("CRONSD_PG_USER"), os.Getenv("CRONSD_PG_PASSWORD"),
			os.Getenv("CRONSD_PG_DB"), os.Getenv("CRONSD_PG_PORT")))
	case "mysql":
		dialector = mysql.Open(fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			os.Getenv("CRONSD_MY_USER"), os.Getenv("CRONSD_MY_PASSWORD"), os.Getenv("CRONSD_MY_HOST"),
			os.Getenv("CRONSD_MY_PORT"), os.Getenv("CRONSD_MY_DB")))
	case "sqlserver":
		dialector = sqlserver.Open(fmt.Sprintf("sqlserver://%s:%s@%s:%s?database=%s",
			os.Getenv("CRONSD_MS_USER"), os.Getenv("CRONSD_MS_PASSWORD"), os.Getenv("CRONSD_MS_HOST"),
			os.Getenv("CRONSD_MS_PORT"), os.Getenv("CRONSD_MS_DB")))
	default:
		return nil
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logc.NewGormLogger(logger),
	})
	panicErr(err)
	return db
}

// panicErr .
func panicErr(err error) {
	if err != nil {
		panic(err)
	}
}

// setupLogging .
func setupLogging(level logrus.Level) logc.Logger {
	log := logrus.New()
	log.SetLevel(level)
	return logc.NewLogrus(log)
}
