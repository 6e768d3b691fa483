package db

import (
	"errors"
	"fmt"
	"testing"

	"Encore/config"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestIsDuplicateKey(t *testing.T) {
	dup := &mysqldriver.MySQLError{Number: 1062, Message: "Duplicate entry 'a@b.c' for key 'email'"}

	assert.True(t, IsDuplicateKey(dup))
	assert.True(t, IsDuplicateKey(fmt.Errorf("create user: %w", dup)))
	assert.True(t, IsDuplicateKey(gorm.ErrDuplicatedKey))
	assert.False(t, IsDuplicateKey(&mysqldriver.MySQLError{Number: 1146}))
	assert.False(t, IsDuplicateKey(errors.New("boom")))
	assert.False(t, IsDuplicateKey(nil))
}

func TestDSN(t *testing.T) {
	cfg := &config.Config{DBUser: "encore", DBPassword: "pw", DBHost: "db", DBPort: "3307", DBName: "music"}
	assert.Equal(t, "encore:pw@tcp(db:3307)/music?charset=utf8mb4&parseTime=True&loc=Local&clientFoundRows=true", DSN(cfg))
}

func TestAutoMigrateWithoutConnection(t *testing.T) {
	GormDB = nil
	assert.Error(t, AutoMigrateModels())
}
