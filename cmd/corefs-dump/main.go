// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"os"

	"code.cloudfoundry.org/bytefmt"
	"github.com/spf13/cobra"

	"github.com/31core/31corefs/corefs/blockcache"
	"github.com/31core/31corefs/corefs/subvol"
	"github.com/31core/31corefs/corefs/superblock"
)

func main() {
	cmd := &cobra.Command{
		Use:          "corefs-dump DEVICE",
		Short:        "Print a 31corefs filesystem's superblock and subvolume registry",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0])
		},
	}
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "corefs-dump:", err)
		os.Exit(1)
	}
}

func run(device string) error {
	f, err := os.Open(device)
	if err != nil {
		return err
	}
	defer f.Close()

	dev := blockcache.New(f, blockcache.DefaultSize)
	fs, err := superblock.Open(dev)
	if err != nil {
		return err
	}

	fmt.Printf("uuid:            %s\n", fs.SB.UUID)
	fmt.Printf("label:           %s\n", fs.SB.GetLabel())
	fmt.Printf("groups:          %d\n", fs.SB.Groups)
	fmt.Printf("total blocks:    %d (%s)\n", fs.SB.TotalBlocks, bytefmt.ByteSize(fs.SB.TotalBlocks*4096))
	fmt.Printf("used blocks:     %d\n", fs.SB.UsedBlocks)
	fmt.Printf("real used:       %d\n", fs.SB.RealUsedBlocks)
	fmt.Printf("default subvol:  %d\n", fs.SB.DefaultSubvol)

	mgr := subvol.OpenManager(dev, fs.SB.SubvolMgr)
	entries, err := mgr.List()
	if err != nil {
		return err
	}
	fmt.Println("\nsubvolumes:")
	for _, e := range entries {
		kind := "subvol"
		if e.Type == subvol.TypeSnapshot {
			kind = "snapshot"
		}
		state := "ok"
		if e.State == subvol.Removed {
			state = "removed (tombstone)"
		}
		fmt.Printf("  id=%-4d %-9s state=%-20s used=%-6d real_used=%-6d snaps=%-3d parent=%d\n",
			e.ID, kind, state, e.UsedBlocks, e.RealUsedBlocks, e.Snaps, e.ParentSubvol)
	}
	return nil
}
