/*
 * Copyright 2025 tomoncle.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/uptrace/bun"
	"gopkg.in/yaml.v3"

	"github.com/tomoncle/bookdb/types"
)

// Connection constants used when nothing else is configured.
const (
	DefaultHost     = "localhost"
	DefaultUsername = "root"
	DefaultPassword = ""
	DefaultDBName   = "alx_book_store"
)

// AbstractDatabaseManager owns one server connection and the cursors opened
// over it.
type AbstractDatabaseManager interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Ping(ctx context.Context) error
	IsConnected() bool
	Cursor(ctx context.Context) (*Cursor, error)
	Provisioner() Provisioner
	Type() types.DatabaseType
	GetDB() *bun.DB
	GetSQLDB() *sql.DB
	GetStats() *DBStats
	SetLogger(logger Logger)
}

// DBStats mirrors database/sql stats returned by the manager.
type DBStats struct {
	MaxOpenConns      int           `json:"max_open_conns"`
	OpenConns         int           `json:"open_conns"`
	InUse             int           `json:"in_use"`
	Idle              int           `json:"idle"`
	WaitCount         int64         `json:"wait_count"`
	WaitDuration      time.Duration `json:"wait_duration"`
	MaxIdleClosed     int64         `json:"max_idle_closed"`
	MaxIdleTimeClosed int64         `json:"max_idle_time_closed"`
	MaxLifetimeClosed int64         `json:"max_lifetime_closed"`
}

func newDBStats(stats sql.DBStats) *DBStats {
	return &DBStats{
		MaxOpenConns:      stats.MaxOpenConnections,
		OpenConns:         stats.OpenConnections,
		InUse:             stats.InUse,
		Idle:              stats.Idle,
		WaitCount:         stats.WaitCount,
		WaitDuration:      stats.WaitDuration,
		MaxIdleClosed:     stats.MaxIdleClosed,
		MaxIdleTimeClosed: stats.MaxIdleTimeClosed,
		MaxLifetimeClosed: stats.MaxLifetimeClosed,
	}
}

// ConnectionConfig describes the server to connect to and the database to
// provision on it. DBName is never part of the DSN.
type ConnectionConfig struct {
	Type            string        `json:"type" yaml:"type"` // mysql, postgres, sqlite
	Host            string        `json:"host" yaml:"host"`
	Port            int           `json:"port" yaml:"port"`
	Username        string        `json:"username" yaml:"username"`
	Password        string        `json:"password" yaml:"password"`
	DBName          string        `json:"dbname" yaml:"dbname"`
	DataDir         string        `json:"data_dir" yaml:"data_dir"` // sqlite only
	SSLMode         string        `json:"sslmode" yaml:"sslmode"`
	Charset         string        `json:"charset" yaml:"charset"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns"`
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
	EnableQueryLog  bool          `json:"enable_query_log" yaml:"enable_query_log"`
	SlowQueryTime   time.Duration `json:"slow_query_time" yaml:"slow_query_time"`
}

// LogConfig controls the log output of the CLI.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Config is the top level configuration file layout.
type Config struct {
	ConnectionConfig ConnectionConfig `json:"connection" yaml:"connection"`
	LogConfig        LogConfig        `json:"log" yaml:"log"`
}

// DefaultConnectionConfig returns the fixed connection used when nothing is
// configured: root with an empty password on localhost, one connection.
func DefaultConnectionConfig() *ConnectionConfig {
	return &ConnectionConfig{
		Type:           types.MySQL.Name(),
		Host:           DefaultHost,
		Username:       DefaultUsername,
		Password:       DefaultPassword,
		DBName:         DefaultDBName,
		DataDir:        ".",
		Charset:        "utf8mb4",
		MaxIdleConns:   1,
		MaxOpenConns:   1,
		ConnectTimeout: time.Second * 10,
		ReadTimeout:    time.Second * 30,
		WriteTimeout:   time.Second * 30,
		SlowQueryTime:  time.Second * 2,
	}
}

// DefaultConfig wraps DefaultConnectionConfig with info level text logs.
func DefaultConfig() *Config {
	return &Config{
		ConnectionConfig: *DefaultConnectionConfig(),
		LogConfig:        LogConfig{Level: "info", Format: "text"},
	}
}

// LoadConfig reads a YAML file over DefaultConfig. Keys missing from the file
// keep their defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}
