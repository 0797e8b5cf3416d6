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
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"

	"github.com/tomoncle/bookdb/types"
)

var (
	ErrNotConnected  = errors.New("database not connected")
	ErrCursorClosed  = errors.New("cursor already closed")
	ErrInvalidDBName = errors.New("invalid database name")
)

// ErrorKind is the stage of a provisioning run an error was caught in.
type ErrorKind int

const (
	ConnectionError ErrorKind = iota + 1
	StatementError
	UnexpectedError
	CleanupError
)

var _ types.BaseEnum = ErrorKind(0)

var errorKindNames = [...]string{"", "connection_error", "statement_error", "unexpected_error", "cleanup_error"}

func (k ErrorKind) IsValid() bool { return k >= ConnectionError && k <= CleanupError }

func (k ErrorKind) Number() int {
	if !k.IsValid() {
		return types.IllegalValue
	}
	return int(k)
}

func (k ErrorKind) Name() string {
	if !k.IsValid() {
		return types.IllegalName
	}
	return errorKindNames[k]
}

func (k ErrorKind) Desc() string {
	switch k {
	case ConnectionError:
		return "cannot reach or authenticate to the server"
	case StatementError:
		return "the provisioning statement failed"
	case UnexpectedError:
		return "unexpected failure"
	case CleanupError:
		return "failure while releasing the connection"
	default:
		return types.IllegalDesc
	}
}

func (k ErrorKind) String() string { return k.Name() }

// ProvisionError tags an error with the stage it was caught in.
type ProvisionError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func NewProvisionError(kind ErrorKind, op string, err error) *ProvisionError {
	return &ProvisionError{Kind: kind, Op: op, Err: err}
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// KindOf returns the kind of the first ProvisionError in err's chain, or
// UnexpectedError when there is none.
func KindOf(err error) ErrorKind {
	var pe *ProvisionError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return UnexpectedError
}

type SQLError int

const (
	UnknownErr SQLError = iota
	AccessDeniedErr
	DBAccessDeniedErr
	ConnectionRefusedErr
	UnknownHostErr
	DatabaseExistsErr
	UnknownDatabaseErr
	SyntaxErr
)

var sqlErrorDescs = map[SQLError]string{
	UnknownErr:           "unknown error",
	AccessDeniedErr:      "access denied for user",
	DBAccessDeniedErr:    "insufficient privileges on database",
	ConnectionRefusedErr: "server unreachable",
	UnknownHostErr:       "unknown server host",
	DatabaseExistsErr:    "database already exists",
	UnknownDatabaseErr:   "unknown database",
	SyntaxErr:            "syntax error",
}

func (e SQLError) String() string { return sqlErrorDescs[e] }

// IsSqlError classifies driver and network errors. is is false when the error
// did not come from a database driver or the network.
func IsSqlError(err error) (is bool, sqlErr SQLError) {
	if err == nil {
		return false, UnknownErr
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 1045:
			return true, AccessDeniedErr
		case 1044, 1227:
			return true, DBAccessDeniedErr
		case 2002, 2003:
			return true, ConnectionRefusedErr
		case 2005:
			return true, UnknownHostErr
		case 1007:
			return true, DatabaseExistsErr
		case 1049:
			return true, UnknownDatabaseErr
		case 1064:
			return true, SyntaxErr
		default:
			return true, UnknownErr
		}
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "28000", "28P01":
			return true, AccessDeniedErr
		case "42501":
			return true, DBAccessDeniedErr
		case "42P04":
			return true, DatabaseExistsErr
		case "3D000":
			return true, UnknownDatabaseErr
		case "42601":
			return true, SyntaxErr
		default:
			return true, UnknownErr
		}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true, UnknownHostErr
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true, ConnectionRefusedErr
	}

	s := strings.ToLower(err.Error())
	if strings.Contains(s, "connection refused") ||
		strings.Contains(s, "i/o timeout") {
		return true, ConnectionRefusedErr
	}
	if strings.Contains(s, "no such host") {
		return true, UnknownHostErr
	}
	if strings.Contains(s, "access denied") ||
		strings.Contains(s, "permission denied") {
		return true, DBAccessDeniedErr
	}
	if strings.Contains(s, "already exists") &&
		strings.Contains(s, "database") {
		return true, DatabaseExistsErr
	}
	return false, UnknownErr
}

// Describe returns a short reason for logs, or "" if err is not recognized.
func Describe(err error) string {
	if is, sqlErr := IsSqlError(err); is {
		return sqlErr.String()
	}
	return ""
}
