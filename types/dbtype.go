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

package types

import "strings"

// DatabaseType identifies the server dialect a connection talks to.
type DatabaseType int

const (
	MySQL DatabaseType = iota + 1
	PostgreSQL
	SQLite
)

var _ BaseEnum = DatabaseType(0)

var databaseTypes = []struct {
	typ     DatabaseType
	name    string
	desc    string
	aliases []string
}{
	{MySQL, "mysql", "MySQL", []string{"mariadb"}},
	{PostgreSQL, "postgres", "PostgreSQL", []string{"postgresql", "pg"}},
	{SQLite, "sqlite", "SQLite", []string{"sqlite3"}},
}

// ParseDatabaseType resolves a config value such as "mysql" or "postgresql".
// Unknown values yield an invalid DatabaseType.
func ParseDatabaseType(s string) DatabaseType {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, t := range databaseTypes {
		if s == t.name {
			return t.typ
		}
		for _, alias := range t.aliases {
			if s == alias {
				return t.typ
			}
		}
	}
	return DatabaseType(IllegalValue)
}

// SupportedDatabaseTypes lists the canonical names accepted by ParseDatabaseType.
func SupportedDatabaseTypes() []string {
	names := make([]string, 0, len(databaseTypes))
	for _, t := range databaseTypes {
		names = append(names, t.name)
	}
	return names
}

func (t DatabaseType) IsValid() bool {
	return t >= MySQL && t <= SQLite
}

func (t DatabaseType) Number() int {
	if !t.IsValid() {
		return IllegalValue
	}
	return int(t)
}

func (t DatabaseType) Name() string {
	if !t.IsValid() {
		return IllegalName
	}
	return databaseTypes[t-1].name
}

// Desc returns the product name used in console messages.
func (t DatabaseType) Desc() string {
	if !t.IsValid() {
		return IllegalDesc
	}
	return databaseTypes[t-1].desc
}

func (t DatabaseType) String() string { return t.Name() }
