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
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/uptrace/bun"
)

// statementHook logs every statement sent through the manager and warns when
// one runs longer than slowTime. When the variable named by envName is set,
// statements are also echoed to writer in color: "1" echoes failed and slow
// statements, "2" echoes all of them.
type statementHook struct {
	slowTime time.Duration
	logger   func() Logger
	envName  string
	writer   io.Writer
}

var _ bun.QueryHook = (*statementHook)(nil)

func (h *statementHook) BeforeQuery(ctx context.Context, event *bun.QueryEvent) context.Context {
	return ctx
}

func (h *statementHook) AfterQuery(ctx context.Context, event *bun.QueryEvent) {
	duration := time.Since(event.StartTime)
	slow := event.Err == nil && h.slowTime > 0 && duration > h.slowTime

	h.log(event, duration, slow)

	enabled, verbose := h.echoMode()
	if !enabled {
		return
	}
	switch {
	case slow:
		h.echo("[BUN_SLOW]", color.FgYellow, duration, color.New(color.BgYellow, color.FgHiWhite).Sprint(event.Query), "")
	case event.Err != nil && !errors.Is(event.Err, sql.ErrNoRows):
		typ := reflect.TypeOf(event.Err).String()
		h.echo("[BUN]", color.FgCyan, duration, operationColor(event).Sprint(event.Query),
			color.New(color.BgRed).Sprintf(" %s ", typ+": "+event.Err.Error()))
	case verbose:
		h.echo("[BUN]", color.FgCyan, duration, operationColor(event).Sprint(event.Query), "")
	}
}

func (h *statementHook) log(event *bun.QueryEvent, duration time.Duration, slow bool) {
	if h.logger == nil {
		return
	}
	logger := h.logger()
	if logger == nil {
		return
	}

	switch {
	case event.Err != nil:
		logger.Debug("Statement failed",
			"operation", event.Operation(),
			"duration", duration,
			"query", event.Query,
			"error", event.Err,
		)
	case slow:
		logger.Warn("Slow statement detected",
			"duration", duration,
			"slow_threshold", h.slowTime,
			"query", event.Query,
		)
	default:
		logger.Debug("Statement executed",
			"operation", event.Operation(),
			"duration", duration,
			"query", event.Query,
		)
	}
}

func (h *statementHook) echoMode() (enabled, verbose bool) {
	if h.envName == "" || h.writer == nil {
		return false, false
	}
	env, ok := os.LookupEnv(h.envName)
	if !ok {
		return false, false
	}
	env = strings.TrimSpace(env)
	return env != "" && env != "0", env == "2"
}

func (h *statementHook) echo(tag string, tagColor color.Attribute, duration time.Duration, query, suffix string) {
	args := []interface{}{
		time.Now().Format("2006-01-02 15:04:05.000"),
		color.New(tagColor).Sprintf("%12s", tag),
		fmt.Sprintf("%17s", duration.Round(time.Microsecond)),
		"  ", query,
	}
	if suffix != "" {
		args = append(args, "\t", suffix)
	}
	_, _ = fmt.Fprintln(h.writer, args...)
}

func operationColor(event *bun.QueryEvent) *color.Color {
	switch event.Operation() {
	case "SELECT":
		return color.New(color.FgGreen)
	case "CREATE":
		return color.New(color.FgBlue)
	case "ATTACH", "DETACH":
		return color.New(color.FgMagenta)
	default:
		return color.New(color.FgRed)
	}
}
