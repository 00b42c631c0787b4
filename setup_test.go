package cronsd

import (
	"fmt"
	"os"
	"strings"

	"github.com/simpleframeworks/logc"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/driver/sqlserver"
	"gorm.io/gorm"
	"syreclabs.com/go/faker"
)

// testSetup creates a CronsD on a fresh test database
func testSetup(logLvl logrus.Level) *CronsD {
	logger := testSetupLogging(logLvl)
	db := testSetupDB(logger)
	return New(db).Logger(logger)
}

// testTeardown stops the instance and closes its db
func testTeardown(c *CronsD) {
	testPanicErr(c.Down())
	testCloseDB(c.GetDB())
}

func dbToUse() string {
	return strings.ToLower(strings.TrimSpace(os.Getenv("CRONSD_DB")))
}

func usingPostgres() bool {
	return dbToUse() == "postgres"
}

// testSetupDB .
func testSetupDB(logger logc.Logger) *gorm.DB {
	switch dbToUse() {
	case "postgres":
		return testSetupPostgreSQL(logger)
	case "mysql":
		return testSetupMySQL(logger)
	case "sqlserver":
		return testSetupSQLServer(logger)
	}
	return testSetupSQLite(logger)
}

// testCloseDB .
func testCloseDB(db *gorm.DB) {
	con, err := db.DB()
	testPanicErr(err)
	con.Close()
}

// testPanicErr .
func testPanicErr(err error) {
	if err != nil {
		panic(err)
	}
}

// testSetupLogging .
func testSetupLogging(level logrus.Level) logc.Logger {
	log := logrus.New()
	log.SetLevel(level)
	return logc.NewLogrus(log)
}

// testSetupSQLite .
func testSetupSQLite(logger logc.Logger) *gorm.DB {
	db, err0 := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logc.NewGormLogger(logger),
	})
	testPanicErr(err0)

	sqlDB, err := db.DB()
	testPanicErr(err)

	// SQLite does not work well with concurrent connections
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetMaxOpenConns(1)

	return db
}

// testSetupPostgreSQL .
func testSetupPostgreSQL(logger logc.Logger) *gorm.DB {
	host := os.Getenv("CRONSD_PG_HOST")
	port := os.Getenv("CRONSD_PG_PORT")
	dbname := os.Getenv("CRONSD_PG_DB")
	user := os.Getenv("CRONSD_PG_USER")
	password := os.Getenv("CRONSD_PG_PASSWORD")
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable", host, user, password, dbname, port)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logc.NewGormLogger(logger),
	})
	testPanicErr(err)
	return db
}

// testSetupMySQL .
func testSetupMySQL(logger logc.Logger) *gorm.DB {
	host := os.Getenv("CRONSD_MY_HOST")
	port := os.Getenv("CRONSD_MY_PORT")
	dbname := os.Getenv("CRONSD_MY_DB")
	user := os.Getenv("CRONSD_MY_USER")
	password := os.Getenv("CRONSD_MY_PASSWORD")
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC", user, password, host, port, dbname)

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logc.NewGormLogger(logger),
	})
	testPanicErr(err)
	return db
}

// testSetupSQLServer .
func testSetupSQLServer(logger logc.Logger) *gorm.DB {
	host := os.Getenv("CRONSD_MS_HOST")
	port := os.Getenv("CRONSD_MS_PORT")
	dbname := os.Getenv("CRONSD_MS_DB")
	user := os.Getenv("CRONSD_MS_USER")
	password := os.Getenv("CRONSD_MS_PASSWORD")
	dsn := fmt.Sprintf("sqlserver://%s:%s@%s:%s?database=%s", user, password, host, port, dbname)

	db, err := gorm.Open(sqlserver.Open(dsn), &gorm.Config{
		Logger: logc.NewGormLogger(logger),
	})
	testPanicErr(err)
	return db
}

// testJobName makes a job name that does not collide across tests sharing a database
func testJobName(prefix string) string {
	return prefix + "-" + faker.Lorem().Characters(10)
}

// testMustJob builds a job or panics
func testMustJob(name, schedule, command string, retries, timeoutSeconds uint) JobDef {
	job, err := NewJob(name, schedule, command, retries, timeoutSeconds)
	testPanicErr(err)
	return job
}
