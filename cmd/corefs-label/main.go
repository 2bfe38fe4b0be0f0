// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/31core/31corefs/corefs/blockcache"
	"github.com/31core/31corefs/corefs/superblock"
)

func main() {
	cmd := &cobra.Command{
		Use:          "corefs-label DEVICE [LABEL]",
		Short:        "Print or change a 31corefs filesystem's label",
		Args:         cobra.RangeArgs(1, 2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 2 {
				return setLabel(args[0], args[1])
			}
			return printLabel(args[0])
		},
	}
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "corefs-label:", err)
		os.Exit(1)
	}
}

func printLabel(device string) error {
	f, err := os.Open(device)
	if err != nil {
		return err
	}
	defer f.Close()

	fs, err := superblock.Open(blockcache.New(f, blockcache.DefaultSize))
	if err != nil {
		return err
	}
	fmt.Println(fs.SB.GetLabel())
	return nil
}

func setLabel(device, label string) error {
	f, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	fs, err := superblock.Open(blockcache.New(f, blockcache.DefaultSize))
	if err != nil {
		return err
	}
	fs.SB.SetLabel(label)
	return fs.SyncMetaData()
}
