// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"os"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/31core/31corefs/corefs/blockcache"
	"github.com/31core/31corefs/corefs/blockio"
	"github.com/31core/31corefs/corefs/subvol"
	"github.com/31core/31corefs/corefs/superblock"
	"github.com/31core/31corefs/corefs/textui"
)

func main() {
	logLevel := textui.LogLevelFlag{Level: logrus.InfoLevel}
	var label string
	var sizeStr string

	cmd := &cobra.Command{
		Use:   "corefs-mkfs DEVICE",
		Short: "Create a 31corefs filesystem on a device or image file",
		Args:  cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := textui.NewLogger(logLevel.Level)
			return run(log, args[0], label, sizeStr)
		},
	}
	cmd.Flags().Var(&logLevel, "verbosity", "set the log verbosity")
	cmd.Flags().StringVarP(&label, "label", "L", "", "volume label")
	cmd.Flags().StringVarP(&sizeStr, "size", "s", "", "filesystem size (e.g. 512M, 2G); defaults to the device's current size")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "corefs-mkfs:", err)
		os.Exit(1)
	}
}

func run(log *logrus.Logger, device, label, sizeStr string) error {
	f, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	var totalBytes uint64
	if sizeStr != "" {
		totalBytes, err = bytefmt.ToBytes(sizeStr)
		if err != nil {
			return fmt.Errorf("parsing --size: %w", err)
		}
	} else {
		info, err := f.Stat()
		if err != nil {
			return err
		}
		totalBytes = uint64(info.Size())
	}
	totalBlocks := totalBytes / blockio.BlockSize
	log.Infof("formatting %s: %d blocks (%s)", device, totalBlocks, bytefmt.ByteSize(totalBlocks*blockio.BlockSize))

	dev := blockcache.New(f, blockcache.DefaultSize)

	now := time.Now().UnixNano()
	fs, err := superblock.Format(dev, totalBlocks, uuid.New(), now, label)
	if err != nil {
		return err
	}

	if _, _, err := subvol.Format(dev, fs, now); err != nil {
		return err
	}
	if err := fs.SyncMetaData(); err != nil {
		return err
	}

	log.Info("done")
	return nil
}

var _ blockio.Device = (*os.File)(nil)
