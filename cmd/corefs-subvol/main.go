// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/31core/31corefs/corefs/blockcache"
	"github.com/31core/31corefs/corefs/blockio"
	"github.com/31core/31corefs/corefs/subvol"
	"github.com/31core/31corefs/corefs/superblock"
)

func main() {
	root := &cobra.Command{
		Use:          "corefs-subvol SUBCOMMAND DEVICE",
		Short:        "Manage a 31corefs filesystem's subvolumes",
		SilenceUsage: true,
	}
	root.AddCommand(
		listCmd(),
		createCmd(),
		snapCmd(),
		removeCmd(),
	)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "corefs-subvol:", err)
		os.Exit(1)
	}
}

// openRW opens device for read-write access and wraps it in a
// blockcache.Cache before handing it to the superblock and subvolume
// layers. It returns the raw *os.File only so callers can Close it;
// every blockio.Device argument they pass on should be dev.
func openRW(device string) (f *os.File, dev blockio.Device, fs *superblock.Filesystem, mgr *subvol.Manager, err error) {
	f, err = os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	dev = blockcache.New(f, blockcache.DefaultSize)
	fs, err = superblock.Open(dev)
	if err != nil {
		f.Close()
		return nil, nil, nil, nil, err
	}
	return f, dev, fs, subvol.OpenManager(dev, fs.SB.SubvolMgr), nil
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list DEVICE",
		Short: "List every subvolume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, _, _, mgr, err := openRW(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			entries, err := mgr.List()
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("%d\n", e.ID)
			}
			return nil
		},
	}
}

func createCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create DEVICE",
		Short: "Create a new, empty subvolume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, dev, fs, mgr, err := openRW(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			s, err := subvol.CreateSubvolume(dev, fs, mgr, time.Now().UnixNano())
			if err != nil {
				return err
			}
			if err := fs.SyncMetaData(); err != nil {
				return err
			}
			fmt.Println(s.Entry.ID)
			return nil
		},
	}
}

func snapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snap DEVICE SUBVOL_ID",
		Short: "Snapshot a subvolume",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return err
			}
			f, dev, fs, mgr, err := openRW(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			src, err := subvol.Open(dev, fs, mgr, id)
			if err != nil {
				return err
			}
			snap, err := subvol.Snapshot(dev, fs, mgr, src, time.Now().UnixNano())
			if err != nil {
				return err
			}
			if err := fs.SyncMetaData(); err != nil {
				return err
			}
			fmt.Println(snap.Entry.ID)
			return nil
		},
	}
}

func removeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove DEVICE SUBVOL_ID",
		Short: "Remove a subvolume",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return err
			}
			f, dev, fs, mgr, err := openRW(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			if err := subvol.RemoveSubvolume(dev, fs, mgr, id); err != nil {
				return err
			}
			return fs.SyncMetaData()
		},
	}
}
