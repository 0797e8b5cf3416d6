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

// Command mysqlserver creates the alx_book_store database on a local MySQL
// server. It always exits with status 0; problems, bad flags included, are
// printed, not returned. Only --help exits early.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/tomoncle/bookdb"
	"github.com/tomoncle/bookdb/database"
	"github.com/tomoncle/bookdb/utils"
)

func main() {
	app := kingpin.New("mysqlserver", "Create the alx_book_store database if it does not exist")
	configPath := app.Flag("config", "YAML configuration file").Short('c').String()
	envFile := app.Flag("env-file", "dotenv file with DB_* overrides").Default(".env").String()
	logLevel := app.Flag("log-level", "trace, debug, info, warn or error").Envar("LOG_LEVEL").String()
	if _, err := app.Parse(os.Args[1:]); err != nil {
		app.Errorf("%v, using defaults", err)
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: failed to load %s: %v\n", *envFile, err)
	}

	cfg, err := database.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v, using defaults\n", err)
		cfg = database.DefaultConfig()
	}

	utils.ConfigureLogFormat(cfg.LogConfig.Format)
	level := cfg.LogConfig.Level
	if *logLevel != "" {
		level = *logLevel
	}
	utils.ConfigureLogLevel(level)

	bookdb.NewDatabaseInitializer(bookdb.WithConfig(&cfg.ConnectionConfig)).Run(context.Background())
}
