// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package textui provides the CLI tools' shared logging setup: a
// pflag-compatible log-level flag and a logrus formatter tuned for a
// terminal.
package textui

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

// LogLevelFlag adapts a logrus.Level into a pflag.Value so it can be
// bound directly to a --verbosity flag.
type LogLevelFlag struct {
	Level logrus.Level
}

var _ pflag.Value = (*LogLevelFlag)(nil)

// Type implements pflag.Value.
func (f *LogLevelFlag) Type() string { return "loglevel" }

// Set implements pflag.Value.
func (f *LogLevelFlag) Set(str string) error {
	lvl, err := logrus.ParseLevel(str)
	if err != nil {
		return err
	}
	f.Level = lvl
	return nil
}

// String implements pflag.Value.
func (f *LogLevelFlag) String() string { return f.Level.String() }

// NewLogger returns a logrus.Logger configured at the given level with
// a plain, timestamped text formatter.
func NewLogger(lvl logrus.Level) *logrus.Logger {
	log := logrus.New()
	log.SetLevel(lvl)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return log
}
