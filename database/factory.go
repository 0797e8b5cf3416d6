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
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/tomoncle/bookdb/types"
)

// BaseDatabaseFactory validates connection configuration and builds managers.
type BaseDatabaseFactory struct {
	logger Logger
}

// NewDatabaseFactory returns a new database factory using the global logger.
func NewDatabaseFactory() *BaseDatabaseFactory {
	return &BaseDatabaseFactory{
		logger: GetLogger(),
	}
}

func (f *BaseDatabaseFactory) SetLogger(logger Logger) {
	f.logger = logger
}

// CreateFromConfig applies environment overrides to cfg, validates it and
// returns an unconnected manager.
func (f *BaseDatabaseFactory) CreateFromConfig(cfg *ConnectionConfig, opts ...ManagerOption) (AbstractDatabaseManager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database configuration cannot be empty")
	}

	f.overrideFromEnv(cfg)

	if !types.ParseDatabaseType(cfg.Type).IsValid() {
		return nil, fmt.Errorf("unsupported database type: %s, supported types: %v", cfg.Type, types.SupportedDatabaseTypes())
	}
	if err := ValidateDBName(cfg.DBName); err != nil {
		return nil, err
	}

	opts = append([]ManagerOption{WithManagerLogger(f.logger)}, opts...)
	return NewDatabaseManager(cfg, opts...)
}

// overrideFromEnv overrides configuration values from environment variables.
func (f *BaseDatabaseFactory) overrideFromEnv(cfg *ConnectionConfig) {
	if dbType := os.Getenv("DB_TYPE"); dbType != "" {
		cfg.Type = dbType
	}
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.Host = host
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if username := os.Getenv("DB_USERNAME"); username != "" {
		cfg.Username = username
	}
	// An empty password is a valid override.
	if password, ok := os.LookupEnv("DB_PASSWORD"); ok {
		cfg.Password = password
	}
	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}
	if dataDir := os.Getenv("DB_DATA_DIR"); dataDir != "" {
		cfg.DataDir = dataDir
	}
	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.SSLMode = sslmode
	}
	if timeout := os.Getenv("DB_CONNECT_TIMEOUT"); timeout != "" {
		if val, err := strconv.Atoi(timeout); err == nil {
			cfg.ConnectTimeout = time.Duration(val) * time.Second
		}
	}
	if enableQueryLog := os.Getenv("DB_ENABLE_QUERY_LOG"); enableQueryLog != "" {
		cfg.EnableQueryLog = enableQueryLog == "true"
	}
}
