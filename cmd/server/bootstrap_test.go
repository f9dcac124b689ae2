package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/charlesng35/dealerpulse/internal/app"
)

func TestConvertDatabaseConfigDefaultsToSQLite(t *testing.T) {
	cfg := &app.Config{}
	dbCfg := convertDatabaseConfig(cfg)
	require.Equal(t, "sqlite", dbCfg.Driver)
}

func TestConvertDatabaseConfigPostgres(t *testing.T) {
	cfg := &app.Config{}
	cfg.Database.Driver = "PostgreSQL"
	cfg.Database.Postgres = app.DBAuthConfig{
		Host:     " db.example.com ",
		Database: "dealerpulse",
		Username: "pulse",
		Password: "secret",
	}

	dbCfg := convertDatabaseConfig(cfg)
	require.Equal(t, "postgres", dbCfg.Driver)
	require.Equal(t, "db.example.com", dbCfg.Host)
	require.Equal(t, 5432, dbCfg.Port)
	require.Equal(t, "dealerpulse", dbCfg.Name)
	require.Equal(t, "pulse", dbCfg.User)
	require.Equal(t, "secret", dbCfg.Password)
}

func TestConvertDatabaseConfigMySQLPort(t *testing.T) {
	cfg := &app.Config{}
	cfg.Database.Driver = "mysql"
	cfg.Database.MySQL = app.DBAuthConfig{Host: "mysql.internal", Port: 13306}

	dbCfg := convertDatabaseConfig(cfg)
	require.Equal(t, "mysql", dbCfg.Driver)
	require.Equal(t, 13306, dbCfg.Port)
}

func TestLoadApplicationConfigMissingPath(t *testing.T) {
	_, err := loadApplicationConfig("/does/not/exist")
	require.Error(t, err)
}
