// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cfg is the flag/YAML-bound configuration surface: plain structs
// decoded by viper+mapstructure, with UnmarshalText-bearing wrapper types
// for fields that need validation during decode rather than after.
package cfg

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Octal is the datatype for permission-bit fields (file-mode, dir-mode)
// that accept a base-8 value on the command line.
type Octal int

func (o *Octal) UnmarshalText(text []byte) error {
	v, err := strconv.ParseInt(string(text), 8, 32)
	if err != nil {
		return err
	}
	*o = Octal(v)
	return nil
}

func (o Octal) MarshalText() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(o), 8)), nil
}

// LogSeverity is one of a small set of severity names, each carrying a
// rank so callers can compare thresholds ("is this at least WARNING?")
// without a switch statement. Validated at decode time.
type LogSeverity string

const (
	TraceLogSeverity   LogSeverity = "TRACE"
	DebugLogSeverity   LogSeverity = "DEBUG"
	InfoLogSeverity    LogSeverity = "INFO"
	WarningLogSeverity LogSeverity = "WARNING"
	ErrorLogSeverity   LogSeverity = "ERROR"
	OffLogSeverity     LogSeverity = "OFF"
)

// severityOrder lists every valid level from most to least verbose; a
// level's Rank is its index here, so adding a level only means inserting
// it in the right place instead of touching a separate numbering.
var severityOrder = []LogSeverity{
	TraceLogSeverity,
	DebugLogSeverity,
	InfoLogSeverity,
	WarningLogSeverity,
	ErrorLogSeverity,
	OffLogSeverity,
}

func (l *LogSeverity) UnmarshalText(text []byte) error {
	level := LogSeverity(strings.ToUpper(string(text)))
	if level.Rank() < 0 {
		return fmt.Errorf("unrecognized log severity %q; valid values are %v", text, severityOrder)
	}
	*l = level
	return nil
}

// Rank returns l's position in severityOrder, or -1 if l isn't one of the
// known levels.
func (l LogSeverity) Rank() int {
	for i, s := range severityOrder {
		if s == l {
			return i
		}
	}
	return -1
}

// XattrPolicy controls how the dispatcher handles the host-reserved
// xattr namespace.
type XattrPolicy string

const (
	XattrPolicyHide  XattrPolicy = "hide"
	XattrPolicyAllow XattrPolicy = "allow"
)

func (x *XattrPolicy) UnmarshalText(text []byte) error {
	v := XattrPolicy(strings.ToLower(string(text)))
	if !slices.Contains([]XattrPolicy{XattrPolicyHide, XattrPolicyAllow}, v) {
		return fmt.Errorf("invalid xattr policy: %s", text)
	}
	*x = v
	return nil
}
